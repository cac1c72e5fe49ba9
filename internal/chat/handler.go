package chat

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cipherchat/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	hub  *Hub
	repo *Repository
	log  zerolog.Logger
}

func NewHandler(hub *Hub, repo *Repository, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, repo: repo, log: log.With().Str("component", "chat").Logger()}
}

// ServeWs upgrades an authenticated request to the realtime channel.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	NewClient(h.hub, conn, userID, username, h.log).Start()
}

type createConversationRequest struct {
	Type         string           `json:"type"`
	Name         string           `json:"name,omitempty"`
	Participants []NewParticipant `json:"participants"`
}

// CreateConversation bootstraps a conversation. Each participant entry
// carries the conversation key already wrapped for that user, produced
// client-side before this call; the server stores the envelopes blind.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type != ConversationDirect && req.Type != ConversationGroup {
		http.Error(w, "type must be 'direct' or 'group'", http.StatusBadRequest)
		return
	}
	if len(req.Participants) == 0 {
		http.Error(w, "participants are required", http.StatusBadRequest)
		return
	}

	// The caller must be among the participants: creating conversations
	// you are not part of is not a thing.
	callerIncluded := false
	for _, p := range req.Participants {
		if p.UserID == callerID {
			callerIncluded = true
		}
		if p.EncryptedKey == "" {
			http.Error(w, "every participant needs an encryptedKey", http.StatusBadRequest)
			return
		}
	}
	if !callerIncluded {
		http.Error(w, "caller must be a participant", http.StatusForbidden)
		return
	}

	conv, err := h.repo.CreateConversation(r.Context(), req.Type, req.Name, req.Participants)
	if err != nil {
		h.log.Error().Err(err).Msg("create conversation failed")
		http.Error(w, "failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]*Conversation{"conversation": conv})
}

// ListConversations returns the caller's conversations with their
// wrapped keys, unread counts and encrypted previews.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summaries, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Msg("list conversations failed")
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []*ConversationSummary{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]*ConversationSummary{"conversations": summaries})
}

// GetMessages pages through a conversation's envelope history,
// chronological, membership-checked. Decryption is the caller's problem.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := auth.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conversationID, err := strconv.Atoi(r.URL.Query().Get("conversationId"))
	if err != nil || conversationID <= 0 {
		http.Error(w, "Missing conversationId", http.StatusBadRequest)
		return
	}
	beforeID, _ := strconv.Atoi(r.URL.Query().Get("beforeId"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	member, err := h.repo.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		http.Error(w, "failed to check membership", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Not a member", http.StatusForbidden)
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), conversationID, beforeID, limit)
	if err != nil {
		h.log.Error().Err(err).Msg("list messages failed")
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]*Message{"messages": messages})
}
