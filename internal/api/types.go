package api

import (
	"time"

	"github.com/satriahrh/lyeria/server/domain/entities"
)

// CreateRoomResponse is returned when a room is created
type CreateRoomResponse struct {
	RoomID  string `json:"roomId"`
	JoinURL string `json:"joinUrl"`
}

// JoinRequest represents the optional body of a join request
type JoinRequest struct {
	PreferredRole string `json:"preferredRole"`
}

// JournalEntryResponse is one recorded control event
type JournalEntryResponse struct {
	Role      entities.Role `json:"role"`
	Type      string        `json:"type"`
	EventID   string        `json:"eventId,omitempty"`
	Payload   any           `json:"payload"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
