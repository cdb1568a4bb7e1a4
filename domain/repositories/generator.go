package repositories

import (
	"context"

	"github.com/satriahrh/lyeria/server/domain/entities"
)

// MusicGenerator opens generation sessions. One session serves one room.
type MusicGenerator interface {
	Open(ctx context.Context) (GenerationSession, error)
}

// GenerationSession steers a live generative audio stream. Implementations
// must accept only complete configurations and full prompt lists.
type GenerationSession interface {
	SetPrompts(ctx context.Context, prompts []entities.WeightedPrompt) error
	SetConfig(ctx context.Context, cfg entities.MusicConfig) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetContext(ctx context.Context) error

	// Chunks yields raw interleaved PCM16 stereo 48 kHz audio. The channel
	// is closed when the session ends and is never reopened.
	Chunks() <-chan []byte
	// Err reports why Chunks was closed, nil after a normal Close.
	Err() error
	// Fallback is non-nil when the session stands in for an upstream
	// that could not be reached.
	Fallback() error
	Close() error
}
