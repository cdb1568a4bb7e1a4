package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/room"
	"github.com/satriahrh/lyeria/server/internal/router"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum control message size allowed from peer.
	maxControlMessageSize = 64 * 1024

	// Audio sockets only ever receive close and pong frames.
	maxAudioMessageSize = 1024

	// Time allowed for one control event, including upstream calls.
	eventTimeout = 10 * time.Second

	// Outbound control frames buffered per connection.
	sendBuffer = 64

	socketControl = "control"
	socketAudio   = "audio"
)

// Hub upgrades authorized requests into control and audio sockets and
// binds them to their room
type Hub struct {
	router   *router.Router
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	pingInterval time.Duration
}

// NewHub creates a new WebSocket hub. origins lists the allowed browser
// origins; an empty list or "*" allows any. Pings are sent often enough to
// keep heartbeatTimeout from lapsing on an idle but healthy socket.
func NewHub(rt *router.Router, metrics *telemetry.Metrics, origins []string, heartbeatTimeout time.Duration, logger *zap.Logger) *Hub {
	interval := pingPeriod
	if half := heartbeatTimeout / 2; half > 0 && half < interval {
		interval = half
	}
	return &Hub{
		router:       rt,
		metrics:      metrics,
		logger:       logger,
		pingInterval: interval,
		upgrader: websocket.Upgrader{
			CheckOrigin:     checkOrigin(origins),
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

func checkOrigin(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || lo.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no origin
		return origin == "" || lo.Contains(origins, origin)
	}
}

// ServeControl upgrades the request into the control channel of claims.Role.
// Authorization has already happened; a slot that was reassigned since the
// token was issued is refused with a policy violation close frame.
func (h *Hub) ServeControl(w http.ResponseWriter, r *http.Request, rm *room.Room, claims *auth.RoomClaims) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &ControlClient{
		hub:    h,
		conn:   conn,
		room:   rm,
		role:   claims.Role,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With(
			zap.String("roomID", rm.ID()),
			zap.String("role", string(claims.Role))),
	}

	if err := rm.Attach(claims.Role, claims.SlotID(), client); err != nil {
		cancel()
		client.logger.Warn("Control socket refused", zap.Error(err))
		refuse(conn, err)
		return nil
	}

	h.metrics.SocketConnected(socketControl)
	client.logger.Info("Control socket connected")

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	return nil
}

// ServeAudio subscribes to the room's audio before upgrading so an
// unavailable generator is reported as a plain HTTP error
func (h *Hub) ServeAudio(w http.ResponseWriter, r *http.Request, rm *room.Room, claims *auth.RoomClaims) error {
	sub, err := rm.SubscribeAudio(r.Context())
	if err != nil {
		return err
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return nil
	}

	client := &AudioClient{
		hub:  h,
		conn: conn,
		sub:  sub,
		done: make(chan struct{}),
		logger: h.logger.With(
			zap.String("roomID", rm.ID()),
			zap.String("role", string(claims.Role))),
	}

	h.metrics.SocketConnected(socketAudio)
	client.logger.Info("Audio socket connected")

	go client.writePump()
	go client.readPump()
	return nil
}

// refuse closes a freshly upgraded socket that may not join
func refuse(conn *websocket.Conn, err error) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}
