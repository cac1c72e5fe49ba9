package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cipherchat/internal/crypto"
)

// PlaceholderText is shown in place of message content that could not be
// decrypted. Raw ciphertext is never surfaced to the user.
const PlaceholderText = "[Unable to decrypt]"

// ErrKeyUnavailable means a conversation's key could not be unwrapped;
// the conversation stays listed but its content is unreadable.
var ErrKeyUnavailable = errors.New("conversation key unavailable")

// ConversationState is the per-conversation key lifecycle.
type ConversationState int

const (
	// StateLocked: wrapped envelope known, key not yet unwrapped.
	StateLocked ConversationState = iota
	// StateUnlocked: key unwrapped and cached for the process lifetime.
	StateUnlocked
	// StateUnavailable: unwrap failed; shown but unreadable.
	StateUnavailable
)

func (s ConversationState) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlocked:
		return "unlocked"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Directory is the server-side public identity API this client consumes:
// upload our public half, fetch peers' public halves by user id.
type Directory interface {
	UploadPublicKey(ctx context.Context, publicJWK string) error
	FetchPublicKeys(ctx context.Context, userIDs []int) (map[int]string, error)
}

// MessagePayload is the plaintext shape sealed inside every message:
// text plus optional attachment references.
type MessagePayload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment points at an externally stored blob; the blob itself is
// outside this core.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Manager orchestrates the client's key life: loads (or bootstraps) the
// identity pair, unwraps conversation keys on demand and caches them in
// memory for the session. Per-conversation operations are independent;
// the cache is the only shared state.
type Manager struct {
	store Store
	dir   Directory

	mu       sync.RWMutex
	userID   int
	identity *crypto.IdentityKeyPair
	keys     map[int]crypto.ConversationKey
	states   map[int]ConversationState
}

func NewManager(store Store, dir Directory) *Manager {
	return &Manager{
		store:  store,
		dir:    dir,
		keys:   make(map[int]crypto.ConversationKey),
		states: make(map[int]ConversationState),
	}
}

// Bootstrap loads the local identity for userID, generating and uploading
// a fresh one on first run. It must succeed before any unwrap attempt.
func (m *Manager) Bootstrap(ctx context.Context, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, err := m.store.LoadIdentity(userID)
	if errors.Is(err, ErrIdentityMissing) {
		pair, err = crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := m.store.SaveIdentity(userID, pair); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	// Publish the public half on every bootstrap. The directory upsert
	// is idempotent, and re-publishing heals a first run whose upload
	// failed after the key pair was already persisted locally.
	pubJWK, err := crypto.MarshalPublicJWK(pair.Public)
	if err != nil {
		return err
	}
	if err := m.dir.UploadPublicKey(ctx, string(pubJWK)); err != nil {
		return fmt.Errorf("upload public identity: %w", err)
	}

	m.userID = userID
	m.identity = pair
	return nil
}

// Identity returns the loaded key pair, or ErrIdentityMissing before
// Bootstrap has run.
func (m *Manager) Identity() (*crypto.IdentityKeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil, ErrIdentityMissing
	}
	return m.identity, nil
}

// Unlock moves a conversation from Locked to Unlocked by unwrapping its
// envelope, or to Unavailable if the envelope is malformed or fails
// authentication. Crypto failures degrade, they never propagate fatally.
func (m *Manager) Unlock(conversationID int, envelopeJSON string) ConversationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[conversationID]; ok {
		return StateUnlocked
	}
	if m.identity == nil {
		m.states[conversationID] = StateUnavailable
		return StateUnavailable
	}

	env, err := crypto.ParseWrappedKeyEnvelope([]byte(envelopeJSON))
	if err != nil {
		m.states[conversationID] = StateUnavailable
		return StateUnavailable
	}

	key, err := crypto.UnwrapKey(env, m.identity.Private)
	if err != nil {
		m.states[conversationID] = StateUnavailable
		return StateUnavailable
	}

	m.keys[conversationID] = key
	m.states[conversationID] = StateUnlocked
	return StateUnlocked
}

// Track registers a conversation as known-but-locked without attempting
// an unwrap yet.
func (m *Manager) Track(conversationID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[conversationID]; !ok {
		m.states[conversationID] = StateLocked
	}
}

// State reports the key lifecycle state for a conversation.
func (m *Manager) State(conversationID int) ConversationState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[conversationID]
	if !ok {
		return StateLocked
	}
	return s
}

// EncryptMessage seals a payload under the conversation's key.
func (m *Manager) EncryptMessage(conversationID int, payload MessagePayload) (content, iv string, err error) {
	key, err := m.key(conversationID)
	if err != nil {
		return "", "", err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	return crypto.Encrypt(key, plaintext)
}

// DecryptMessage opens a message body. On any failure the returned
// payload carries PlaceholderText alongside the error, so callers can
// render the degraded state without branching.
func (m *Manager) DecryptMessage(conversationID int, content, iv string) (MessagePayload, error) {
	placeholder := MessagePayload{Text: PlaceholderText}

	key, err := m.key(conversationID)
	if err != nil {
		return placeholder, err
	}

	plaintext, err := crypto.Decrypt(key, content, iv)
	if err != nil {
		return placeholder, err
	}

	var payload MessagePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return placeholder, fmt.Errorf("%w: %v", crypto.ErrEnvelopeFormat, err)
	}
	return payload, nil
}

// WrapFor produces one wrapped envelope per participant for a new
// conversation, given their public identity JWKs, plus our own envelope.
// Returns the generated conversation key's envelopes keyed by user id.
func (m *Manager) WrapFor(peerKeys map[int]string) (map[int]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil, ErrIdentityMissing
	}

	key, err := crypto.GenerateConversationKey()
	if err != nil {
		return nil, err
	}

	envelopes := make(map[int]string, len(peerKeys)+1)
	wrap := func(userID int, pubJWK string) error {
		pub, err := crypto.ParsePublicJWK([]byte(pubJWK))
		if err != nil {
			return fmt.Errorf("participant %d: %w", userID, err)
		}
		env, err := crypto.WrapKey(key, pub)
		if err != nil {
			return fmt.Errorf("participant %d: %w", userID, err)
		}
		raw, err := env.Marshal()
		if err != nil {
			return err
		}
		envelopes[userID] = string(raw)
		return nil
	}

	for userID, pubJWK := range peerKeys {
		if err := wrap(userID, pubJWK); err != nil {
			return nil, err
		}
	}

	// Wrap for ourselves too, so we can unlock the conversation later
	// exactly like any other participant.
	ownJWK, err := crypto.MarshalPublicJWK(m.identity.Public)
	if err != nil {
		return nil, err
	}
	if err := wrap(m.userID, string(ownJWK)); err != nil {
		return nil, err
	}

	return envelopes, nil
}

func (m *Manager) key(conversationID int) (crypto.ConversationKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %d", ErrKeyUnavailable, conversationID)
	}
	return key, nil
}
