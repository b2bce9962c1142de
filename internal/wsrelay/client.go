package wsrelay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
)

// Client is one accepted WebSocket connection: one reader goroutine,
// one writer goroutine. The buffered send channel serializes frame
// writes so concurrent broadcasts never interleave on the wire.
type Client struct {
	manager *Manager
	conn    *websocket.Conn
	send    chan []byte

	ConnectionID string
	UserID       string

	log zerolog.Logger
}

func newClient(m *Manager, conn *websocket.Conn, connectionID, userID string, log zerolog.Logger) *Client {
	return &Client{
		manager:      m,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		ConnectionID: connectionID,
		UserID:       userID,
		log:          log,
	}
}

// Enqueue attempts a non-blocking send; if the buffer is full the
// client is considered slow and the frame is dropped.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
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

// ReadPump reads client frames and dispatches them through onFrame. It
// blocks until the socket closes, so callers run it directly on the
// request goroutine that accepted the connection. A malformed frame is
// logged and ignored; it never closes the socket.
func (c *Client) ReadPump(onFrame func(Event)) {
	defer func() {
		c.manager.disconnect(c.UserID, c.ConnectionID)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Str("connectionId", c.ConnectionID).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.log.Warn().Str("connectionId", c.ConnectionID).Msg("ignoring malformed frame")
			continue
		}
		onFrame(ev)
	}
}
