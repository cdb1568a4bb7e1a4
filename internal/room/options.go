package room

import "time"

// Options tunes room timing and buffering
type Options struct {
	ReservationTTL   time.Duration
	HeartbeatTimeout time.Duration
	ReconnectGrace   time.Duration
	IdleTimeout      time.Duration
	DedupWindow      time.Duration
	AudioQueueDepth  int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		ReservationTTL:   30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		ReconnectGrace:   30 * time.Second,
		IdleTimeout:      30 * time.Minute,
		DedupWindow:      5 * time.Second,
		AudioQueueDepth:  16,
	}
}
