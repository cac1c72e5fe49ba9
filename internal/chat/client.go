package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Envelopes carry base64 ciphertext, so allow generous frames.
	sendBuffer     = 256
)

// Client is the middleman between one websocket connection and the hub.
// The authenticated identity comes from the session token at upgrade
// time; the claimed identity used for presence comes from subscribe
// frames (the two normally agree).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	UserID   int
	Username string

	sendMu     sync.Mutex
	sendClosed bool
	closeOnce  sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID int, username string, log zerolog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		log:      log.With().Int("user_id", userID).Logger(),
		UserID:   userID,
		Username: username,
	}
}

// Start registers with the hub and runs the two pumps. Returns
// immediately; the pumps own the connection from here.
func (c *Client) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

// enqueue hands a frame to the write pump without blocking. Reports
// false when the buffer is full (slow consumer). The lock orders it
// against closeSend: a broadcast can race a disconnect, and a frame for
// a connection that is already gone is silently dropped, never a send
// on a closed channel.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump pumps frames from the websocket connection into the hub.
// Per-connection frames are handled sequentially here, which is what
// preserves a single sender's ordering; unrelated connections run their
// own pumps and never wait on this one.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			break
		}
		c.hub.HandleFrame(c, message)
	}
}

// writePump pumps frames from the hub to the websocket connection and
// keeps the connection alive with protocol-level pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
