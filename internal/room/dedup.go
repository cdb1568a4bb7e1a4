package room

import (
	"sync"
	"time"

	"github.com/satriahrh/lyeria/server/domain/entities"
)

// Deduper remembers client event ids for a short window
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper creates a Deduper. A zero window disables deduplication.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Seen reports whether (role, eventID) was recorded inside the window.
// Events without an id are never duplicates.
func (d *Deduper) Seen(role entities.Role, eventID string) bool {
	if eventID == "" || d.window <= 0 {
		return false
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)
	_, ok := d.seen[dedupKey(role, eventID)]
	return ok
}

// Record remembers (role, eventID) for the window
func (d *Deduper) Record(role entities.Role, eventID string) {
	if eventID == "" || d.window <= 0 {
		return
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)
	d.seen[dedupKey(role, eventID)] = now
}

func (d *Deduper) pruneLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
}

func dedupKey(role entities.Role, eventID string) string {
	return string(role) + "/" + eventID
}
