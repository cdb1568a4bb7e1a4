package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/room"
	"github.com/satriahrh/lyeria/server/internal/websocket"
)

const defaultEventsLimit = 100

// Options carries the settings the routes need
type Options struct {
	ServiceName   string
	PublicBaseURL string
	// MetricsHandler is mounted at /metrics when set
	MetricsHandler http.Handler
}

type handlers struct {
	manager *room.Manager
	hub     *websocket.Hub
	journal repositories.EventJournal
	opts    Options
	logger  *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, manager *room.Manager, hub *websocket.Hub, journal repositories.EventJournal, opts Options, logger *zap.Logger) {
	h := &handlers{
		manager: manager,
		hub:     hub,
		journal: journal,
		opts:    opts,
		logger:  logger,
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": opts.ServiceName,
		})
	})
	if opts.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(opts.MetricsHandler))
	}

	rooms := e.Group("/api/rooms")
	rooms.POST("", h.createRoom)
	rooms.POST("/:id/join", h.joinRoom)
	rooms.GET("/:id/state", h.roomState)
	rooms.GET("/:id/events", h.roomEvents)

	// WebSocket endpoints, authorized by the join token query parameter
	e.GET("/ws/rooms/:id/control", func(c echo.Context) error {
		return h.socket(c, h.hub.ServeControl)
	})
	e.GET("/ws/rooms/:id/audio", func(c echo.Context) error {
		return h.socket(c, h.hub.ServeAudio)
	})
}

func (h *handlers) createRoom(c echo.Context) error {
	r := h.manager.CreateRoom()

	base := strings.TrimRight(h.opts.PublicBaseURL, "/")
	if base == "" {
		base = c.Scheme() + "://" + c.Request().Host
	}
	return c.JSON(http.StatusCreated, CreateRoomResponse{
		RoomID:  r.ID(),
		JoinURL: base + "/?room=" + r.ID(),
	})
}

func (h *handlers) joinRoom(c echo.Context) error {
	var req JoinRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Warn("Failed to bind join request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	var preferred entities.Role
	if req.PreferredRole != "" {
		role, ok := entities.ParseRole(req.PreferredRole)
		if !ok {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "preferredRole must be A or B",
			})
		}
		preferred = role
	}

	joined, err := h.manager.JoinRoom(c.Param("id"), preferred)
	if err != nil {
		h.logger.Info("Join refused", zap.String("roomID", c.Param("id")), zap.Error(err))
		return writeError(c, err)
	}

	h.logger.Info("Participant joined",
		zap.String("roomID", joined.RoomID),
		zap.String("role", string(joined.Role)))
	return c.JSON(http.StatusOK, joined)
}

func (h *handlers) roomState(c echo.Context) error {
	state, err := h.manager.Snapshot(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *handlers) roomEvents(c echo.Context) error {
	if _, err := h.manager.Get(c.Param("id")); err != nil {
		return writeError(c, err)
	}

	limit := defaultEventsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be a positive integer",
			})
		}
		limit = n
	}

	response := []JournalEntryResponse{}
	if h.journal == nil {
		return c.JSON(http.StatusOK, response)
	}
	entries, err := h.journal.List(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("Failed to list journal", zap.String("roomID", c.Param("id")), zap.Error(err))
		return writeError(c, err)
	}
	for _, entry := range entries {
		var payload any
		if len(entry.Payload) > 0 {
			payload = json.RawMessage(entry.Payload)
		}
		response = append(response, JournalEntryResponse{
			Role:      entry.Role,
			Type:      entry.Type,
			EventID:   entry.EventID,
			Payload:   payload,
			CreatedAt: entry.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, response)
}

type socketServer func(w http.ResponseWriter, r *http.Request, rm *room.Room, claims *auth.RoomClaims) error

// socket verifies the join token before upgrading, so invalid or expired
// tokens never reach a websocket
func (h *handlers) socket(c echo.Context, serve socketServer) error {
	token := c.QueryParam("token")
	if token == "" {
		h.logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "Join token is required in the token query parameter",
		})
	}

	rm, claims, err := h.manager.Authorize(c.Param("id"), token)
	if err != nil {
		h.logger.Warn("WebSocket connection rejected",
			zap.String("roomID", c.Param("id")),
			zap.Error(err))
		return writeError(c, err)
	}

	if err := serve(c.Response(), c.Request(), rm, claims); err != nil {
		if c.Response().Committed {
			return nil
		}
		return writeError(c, err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomFull):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidToken), errors.Is(err, domain.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrMalformedEvent), errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	return c.JSON(statusFor(err), ErrorResponse{
		Error:   domain.ErrorCode(err),
		Message: err.Error(),
	})
}
