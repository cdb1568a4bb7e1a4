package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/internal/broadcast"
)

// AudioClient streams one room's audio to one websocket. Chunks are
// written as they come off the subscription; when the peer is slow the
// subscription drops its oldest chunks.
type AudioClient struct {
	hub  *Hub
	conn *websocket.Conn
	sub  *broadcast.Subscription

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.Logger
}

func (a *AudioClient) close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// readPump discards inbound frames and notices when the peer goes away.
func (a *AudioClient) readPump() {
	defer a.close()

	a.conn.SetReadLimit(maxAudioMessageSize)
	a.conn.SetReadDeadline(time.Now().Add(pongWait))
	a.conn.SetPongHandler(func(string) error {
		a.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := a.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				a.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		a.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump announces the stream format, then forwards chunks until the
// peer leaves or the room closes the subscription.
func (a *AudioClient) writePump() {
	ticker := time.NewTicker(a.hub.pingInterval)
	defer func() {
		ticker.Stop()
		a.sub.Cancel()
		a.conn.Close()
		a.hub.metrics.SocketDisconnected(socketAudio)
		a.logger.Info("Audio socket disconnected")
	}()

	format, err := json.Marshal(domain.OutboundEnvelope{Type: domain.EventAudioFormat, Payload: entities.StreamFormat})
	if err != nil {
		a.logger.Error("Failed to encode audio format", zap.Error(err))
		return
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := a.conn.WriteMessage(websocket.TextMessage, format); err != nil {
		a.logger.Error("Failed to write audio format", zap.Error(err))
		return
	}

	for {
		select {
		case <-a.done:
			return

		case <-a.sub.Ready():
			for {
				chunk, ok := a.sub.TryPop()
				if !ok {
					break
				}
				a.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := a.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					a.logger.Warn("Failed to write audio chunk", zap.Error(err))
					return
				}
			}
			if a.sub.Closed() {
				a.conn.SetWriteDeadline(time.Now().Add(writeWait))
				a.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed"))
				return
			}

		case <-ticker.C:
			a.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := a.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
