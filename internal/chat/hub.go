package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Store is what the broker needs from the ciphertext store: persist
// envelopes and read markers. Never plaintext.
type Store interface {
	InsertMessage(ctx context.Context, msg *Message) (inserted bool, err error)
	SetLastRead(ctx context.Context, conversationID, userID int, at time.Time) error
}

// binder is implemented by fanouts that deliver frames back to the hub.
type binder interface {
	Bind(DeliverFunc)
}

const storeTimeout = 10 * time.Second

// session is the broker's transient per-connection state: the identity
// the connection claimed via subscribe frames and the channels it joined.
// Lost on broker restart along with all presence, which is acceptable
// for the single-process model.
type session struct {
	userID   int
	channels map[int]struct{}
}

// registry owns the connection→session map. It is the hub's one shared
// mutable resource; every mutation goes through these methods under the
// lock, so fan-out reads never race a disconnect.
type registry struct {
	mu       sync.RWMutex
	sessions map[*Client]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[*Client]*session)}
}

func (r *registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[c] = &session{channels: make(map[int]struct{})}
}

// subscribe joins the connection to a channel, records the claimed user,
// and returns the distinct claimed user ids already on that channel.
func (r *registry) subscribe(c *Client, conversationID, userID int) (peers []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[c]
	if !ok {
		// Connection raced its own disconnect; nothing to join.
		return nil
	}
	s.channels[conversationID] = struct{}{}
	if userID != 0 {
		s.userID = userID
	}

	seen := make(map[int]struct{})
	for other, os := range r.sessions {
		if other == c || os.userID == 0 {
			continue
		}
		if _, on := os.channels[conversationID]; !on {
			continue
		}
		if _, dup := seen[os.userID]; dup {
			continue
		}
		seen[os.userID] = struct{}{}
		peers = append(peers, os.userID)
	}
	sort.Ints(peers)
	return peers
}

// remove atomically drops the connection and reports what it was.
func (r *registry) remove(c *Client) (userID int, channels []int, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[c]
	if !ok {
		return 0, nil, false
	}
	delete(r.sessions, c)
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Ints(channels)
	return s.userID, channels, true
}

// subscribers snapshots the connections on one channel, optionally
// excluding one.
func (r *registry) subscribers(conversationID int, except *Client) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for c, s := range r.sessions {
		if c == except {
			continue
		}
		if _, on := s.channels[conversationID]; on {
			out = append(out, c)
		}
	}
	return out
}

// Hub is the realtime broker: it routes subscribe/message/read frames,
// persists opaque envelopes, fans frames out per conversation channel
// and broadcasts presence. Frame failures are isolated per connection;
// nothing here ever takes the process down.
type Hub struct {
	store  Store
	fanout Fanout
	reg    *registry
	log    zerolog.Logger
}

func NewHub(store Store, fanout Fanout, log zerolog.Logger) *Hub {
	h := &Hub{
		store:  store,
		fanout: fanout,
		reg:    newRegistry(),
		log:    log.With().Str("component", "hub").Logger(),
	}
	if b, ok := fanout.(binder); ok {
		b.Bind(h.deliverLocal)
	}
	return h
}

// Register adds a freshly upgraded connection to the registry.
func (h *Hub) Register(c *Client) {
	h.reg.add(c)
}

// Disconnect removes the connection and broadcasts one offline status
// per channel it was subscribed to, using its last claimed identity.
// Connections that never subscribed or never claimed a user id leave
// silently.
func (h *Hub) Disconnect(c *Client) {
	userID, channels, existed := h.reg.remove(c)
	c.closeSend()
	if !existed || userID == 0 {
		return
	}

	for _, conversationID := range channels {
		frame, err := json.Marshal(Frame{
			Type:           FrameStatus,
			UserID:         userID,
			Status:         StatusOffline,
			ConversationID: conversationID,
		})
		if err != nil {
			continue
		}
		h.broadcastLocal(conversationID, frame, nil)
	}
	h.log.Debug().Int("user_id", userID).Ints("channels", channels).Msg("connection closed")
}

// HandleFrame processes one inbound text frame from a connection.
// Malformed frames are logged and dropped; a store failure drops the
// frame but never the connection or the broker.
func (h *Hub) HandleFrame(c *Client, raw []byte) {
	// Heartbeat is bare text, answered in kind, touching nothing.
	if bytes.Equal(bytes.TrimSpace(raw), []byte(pingPayload)) {
		c.enqueue([]byte(pongPayload))
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.log.Warn().Err(err).Msg("dropping malformed frame")
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		h.handleSubscribe(c, &frame)
	case FrameMessage:
		h.handleMessage(c, &frame, raw)
	case FrameRead:
		h.handleRead(c, &frame)
	default:
		h.log.Warn().Str("type", frame.Type).Msg("dropping frame of unknown type")
	}
}

// handleSubscribe registers the connection on the conversation channel,
// announces it to current subscribers and plays back the current
// presence snapshot to the newcomer. Snapshot-then-stream: after this
// returns, the newcomer needs no separate who's-online query.
func (h *Hub) handleSubscribe(c *Client, frame *Frame) {
	if frame.ConversationID <= 0 {
		h.log.Warn().Msg("dropping subscribe without conversation id")
		return
	}

	peers := h.reg.subscribe(c, frame.ConversationID, frame.UserID)

	if frame.UserID != 0 {
		online, err := json.Marshal(Frame{
			Type:           FrameStatus,
			UserID:         frame.UserID,
			Status:         StatusOnline,
			ConversationID: frame.ConversationID,
		})
		if err == nil {
			h.broadcastLocal(frame.ConversationID, online, c)
		}
	}

	for _, peerID := range peers {
		snapshot, err := json.Marshal(Frame{
			Type:           FrameStatus,
			UserID:         peerID,
			Status:         StatusOnline,
			ConversationID: frame.ConversationID,
		})
		if err != nil {
			continue
		}
		c.enqueue(snapshot)
	}
}

// handleMessage persists the envelope, then republishes the frame
// verbatim to every subscriber of the channel, the sender's other
// connections included (no echo suppression; de-duplication is the
// client's business via clientNonce).
//
// Durability first: if persistence fails the frame is dropped, never
// fanned out, so delivered history always matches stored history. A
// duplicate clientNonce is likewise not re-delivered.
func (h *Hub) handleMessage(c *Client, frame *Frame, raw []byte) {
	if frame.ConversationID <= 0 || frame.SenderID == 0 || frame.Content == "" || frame.IV == "" {
		h.log.Warn().Msg("dropping message frame with missing fields")
		return
	}

	msg := &Message{
		ConversationID: frame.ConversationID,
		SenderID:       frame.SenderID,
		Content:        frame.Content,
		IV:             frame.IV,
		ClientNonce:    frame.ClientNonce,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	inserted, err := h.store.InsertMessage(ctx, msg)
	if err != nil {
		h.log.Error().Err(err).Int("conversation_id", frame.ConversationID).
			Msg("message not persisted, suppressing fan-out")
		return
	}
	if !inserted {
		h.log.Debug().Str("client_nonce", frame.ClientNonce).Msg("duplicate message frame ignored")
		return
	}

	if err := h.fanout.Publish(ctx, frame.ConversationID, raw); err != nil {
		h.log.Error().Err(err).Int("conversation_id", frame.ConversationID).Msg("fan-out publish failed")
	}
}

// handleRead moves the participant's read marker and republishes a read
// frame. Read state is advisory, so unlike messages the frame still
// goes out when persistence fails.
func (h *Hub) handleRead(c *Client, frame *Frame) {
	if frame.ConversationID <= 0 || frame.UserID == 0 {
		h.log.Warn().Msg("dropping read frame with missing fields")
		return
	}

	now := time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := h.store.SetLastRead(ctx, frame.ConversationID, frame.UserID, now); err != nil {
		h.log.Error().Err(err).Int("conversation_id", frame.ConversationID).
			Int("user_id", frame.UserID).Msg("read marker not persisted")
	}

	out, err := json.Marshal(Frame{
		Type:           FrameRead,
		ConversationID: frame.ConversationID,
		UserID:         frame.UserID,
		LastReadAt:     &now,
	})
	if err != nil {
		return
	}
	if err := h.fanout.Publish(ctx, frame.ConversationID, out); err != nil {
		h.log.Error().Err(err).Int("conversation_id", frame.ConversationID).Msg("fan-out publish failed")
	}
}

// deliverLocal fans a frame out to this process's subscribers. It is the
// sink side of the Fanout.
func (h *Hub) deliverLocal(conversationID int, frame []byte) {
	h.broadcastLocal(conversationID, frame, nil)
}

func (h *Hub) broadcastLocal(conversationID int, frame []byte, except *Client) {
	for _, sub := range h.reg.subscribers(conversationID, except) {
		if !sub.enqueue(frame) {
			// Slow consumer: closing the socket makes its read pump
			// exit and run the normal disconnect path.
			h.log.Warn().Msg("dropping slow connection")
			sub.closeConn()
		}
	}
}
