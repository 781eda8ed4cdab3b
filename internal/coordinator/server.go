package coordinator

import (
	"time"

	"github.com/gorilla/websocket"
)

// Accept takes ownership of an upgraded connection: it registers the
// client and starts its read and write pumps.
func (c *Coordinator) Accept(conn *websocket.Conn) {
	client := NewClient(conn)

	select {
	case c.register <- client:
	case <-c.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump(client)
	go c.readPump(client)
}

// readPump reads frames from the socket into the run loop.
func (c *Coordinator) readPump(client *Client) {
	defer func() {
		select {
		case c.unregister <- client:
		case <-c.ctx.Done():
		}
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error: " + err.Error())
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case c.frames <- inboundFrame{client: client, data: message}:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump drains the client's send buffer and keeps the connection
// alive with pings.
func (c *Coordinator) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
