package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/lyeria/server/domain/entities"
)

// JournalEntry is one accepted control event
type JournalEntry struct {
	RoomID    string        `json:"room_id"`
	Role      entities.Role `json:"role"`
	Type      string        `json:"type"`
	EventID   string        `json:"event_id,omitempty"`
	Payload   []byte        `json:"payload"`
	CreatedAt time.Time     `json:"created_at"`
}

// EventJournal records accepted control events for debugging
type EventJournal interface {
	Append(ctx context.Context, entry JournalEntry) error
	List(ctx context.Context, roomID string, limit int) ([]JournalEntry, error)
	Close() error
}
