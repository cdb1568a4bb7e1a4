package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/internal/room"
)

// ControlClient is a middleman between one control websocket and its room.
// It implements room.Sink.
type ControlClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	room *room.Room
	role entities.Role

	// Buffered channel of outbound messages. Never closed; done ends the
	// write pump instead.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// Deliver queues a frame without blocking. A full buffer means the peer is
// not keeping up and the room will close this client.
func (c *ControlClient) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close stops both pumps
func (c *ControlClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump pumps control events from the websocket connection to the router.
func (c *ControlClient) readPump() {
	defer func() {
		c.room.Detach(c.role, c)
		c.Close()
		c.conn.Close()
		c.hub.metrics.SocketDisconnected(socketControl)
		c.logger.Info("Control socket disconnected")
	}()

	c.conn.SetReadLimit(maxControlMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.room.Heartbeat(c.role, c)
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.room.Heartbeat(c.role, c)

		if messageType != websocket.TextMessage {
			c.logger.Warn("Ignoring non-text control frame", zap.Int("type", messageType))
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, eventTimeout)
		c.hub.router.Handle(ctx, c.room, c.role, message)
		cancel()
	}
}

// writePump pumps queued frames from the room to the websocket connection.
func (c *ControlClient) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
