package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cipherchat/internal/chat"
)

// Conn is one logical realtime channel. Outbound frames are serialized
// in submission order behind a mutex; inbound frames are dispatched
// from a single read loop, so per-conversation delivery order is the
// broker's publish order.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the realtime channel, authenticating with the session
// token as a query parameter.
func Dial(ctx context.Context, wsURL, token string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("%s?token=%s", wsURL, token), nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Subscribe joins a conversation channel, claiming userID for presence.
func (c *Conn) Subscribe(conversationID, userID int) error {
	return c.writeFrame(chat.Frame{
		Type:           chat.FrameSubscribe,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// SendMessage publishes an already-encrypted envelope. Each call gets a
// fresh client nonce, so a blind retry of the same envelope would need
// the same frame, not a second SendMessage call.
func (c *Conn) SendMessage(conversationID, senderID int, content, iv string) error {
	now := time.Now().UTC()
	return c.writeFrame(chat.Frame{
		Type:           chat.FrameMessage,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		IV:             iv,
		ClientNonce:    uuid.NewString(),
		CreatedAt:      &now,
	})
}

// SendRead reports the caller has read the conversation.
func (c *Conn) SendRead(conversationID, userID int) error {
	return c.writeFrame(chat.Frame{
		Type:           chat.FrameRead,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// Ping sends the bare application-level heartbeat.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte("ping"))
}

// Listen dispatches inbound frames until the connection drops or ctx is
// done. Bare "pong" heartbeats are swallowed. The returned error is the
// transport failure that ended the loop (reconnect policy is the
// caller's, typically UI-level).
func (c *Conn) Listen(ctx context.Context, onFrame func(chat.Frame)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.ws.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime connection lost: %w", err)
		}
		if string(raw) == "pong" {
			continue
		}
		var frame chat.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Unknown payloads are dropped, same policy as the broker.
			continue
		}
		onFrame(frame)
	}
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

func (c *Conn) writeFrame(frame chat.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
