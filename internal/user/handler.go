package user

import (
	"encoding/json"
	"net/http"
	"strconv"

	"cipherchat/internal/auth"
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// UploadKey replaces the caller's public identity key. The body is the
// opaque JWK string produced client-side; the server never inspects it.
func (h *Handler) UploadKey(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req UploadKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		http.Error(w, "publicKey is required", http.StatusBadRequest)
		return
	}

	if err := h.repo.SetPublicKey(r.Context(), userID, username, req.PublicKey); err != nil {
		http.Error(w, "failed to store key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// GetKeys returns a map of userId -> public key string for the
// requested ids (repeated userIds query params).
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := auth.UserFromContext(r.Context()); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var ids []int
	for _, raw := range r.URL.Query()["userIds"] {
		id, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "userIds must be integers", http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	keys, err := h.repo.GetPublicKeys(r.Context(), ids)
	if err != nil {
		http.Error(w, "failed to fetch keys", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

// Search finds users to start conversations with.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	users, err := h.repo.SearchUsers(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
