package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/logging"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/metrics"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// ErrClientUnavailable reports a send to a closed or saturated client. The
// room treats it as grounds for detaching the recipient.
var ErrClientUnavailable = errors.New("client unavailable")

// Client represents a single user's connection to an artifact room. It
// implements types.ClientInterface.
type Client struct {
	conn      wsConnection
	room      *Room
	userID    types.UserIDType
	sessionID types.SessionIDType
	userData  types.UserData

	// notifySubID is the live-notification subscription released on detach.
	notifySubID string

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan []byte
}

func (c *Client) GetUserID() types.UserIDType       { return c.userID }
func (c *Client) GetSessionID() types.SessionIDType { return c.sessionID }
func (c *Client) GetUserData() types.UserData       { return c.userData }

// SendJSON queues a frame for delivery. It fails rather than blocks when the
// client is closed or its buffer is saturated.
func (c *Client) SendJSON(msg types.WSMessage) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClientUnavailable
	}
	c.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

// sendRaw queues pre-serialized bytes. Broadcast uses this so a frame is
// marshalled once per room, not once per recipient.
func (c *Client) sendRaw(data []byte) (err error) {
	// The send channel may close concurrently with this send.
	defer func() {
		if r := recover(); r != nil {
			err = ErrClientUnavailable
		}
	}()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClientUnavailable
	}
	c.mu.RUnlock()

	select {
	case c.send <- data:
		return nil
	default:
		logging.Warn(context.Background(), "Client send buffer full - dropping connection",
			zap.String("userId", string(c.userID)))
		return ErrClientUnavailable
	}
}

// Disconnect closes the send channel exactly once, which drives the
// writePump to flush and close the connection.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// closeWithCode writes a WebSocket close frame before dropping the
// connection. Used for post-upgrade rejections.
func (c *Client) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	_ = c.conn.Close()
}

// readPump decodes inbound JSON frames and hands them to the room router
// until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.room.HandleClientDisconnect(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg types.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Warn(context.Background(), "Failed to decode frame",
				zap.String("userId", string(c.userID)), zap.Error(err))
			continue
		}

		c.room.Deliver(context.Background(), c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "error writing message", zap.Error(err))
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
