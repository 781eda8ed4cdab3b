package coordinator

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is one accepted websocket connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	// controlledAwarenessIDs records which awareness client ids this
	// socket announced, so teardown removes exactly those. Owned by the
	// coordinator's run loop.
	controlledAwarenessIDs []uint64
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}
}

func (c *Client) controlAwarenessIDs(ids []uint64) {
	for _, id := range ids {
		known := false
		for _, existing := range c.controlledAwarenessIDs {
			if existing == id {
				known = true
				break
			}
		}
		if !known {
			c.controlledAwarenessIDs = append(c.controlledAwarenessIDs, id)
		}
	}
}

func (c *Client) releaseAwarenessIDs(ids []uint64) {
	for _, id := range ids {
		for i, existing := range c.controlledAwarenessIDs {
			if existing == id {
				c.controlledAwarenessIDs = append(c.controlledAwarenessIDs[:i], c.controlledAwarenessIDs[i+1:]...)
				break
			}
		}
	}
}

// enqueue offers a frame to the client, dropping it when the buffer is
// full rather than blocking the run loop.
func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
	}
}
