package lyria

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
)

// MockGenerator produces a deterministic tone shaped by the room config.
// It needs no network and follows the same contract as the live generator.
type MockGenerator struct {
	frameDuration time.Duration
	logger        *zap.Logger
}

var _ repositories.MusicGenerator = (*MockGenerator)(nil)

// NewMockGenerator creates a mock generator emitting one chunk per frameDuration
func NewMockGenerator(frameDuration time.Duration, logger *zap.Logger) *MockGenerator {
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	return &MockGenerator{frameDuration: frameDuration, logger: logger}
}

// Open starts a new mock session. The session is paused until Play.
func (g *MockGenerator) Open(ctx context.Context) (repositories.GenerationSession, error) {
	s := newMockSession(g.frameDuration)
	go s.run()
	g.logger.Debug("Mock generation session opened")
	return s, nil
}

// MockSession is a single mock generation stream
type MockSession struct {
	frameCount    int
	frameDuration time.Duration

	mu      sync.Mutex
	config  entities.MusicConfig
	weights []float64
	playing bool
	phase   float64

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ repositories.GenerationSession = (*MockSession)(nil)

func newMockSession(frameDuration time.Duration) *MockSession {
	return &MockSession{
		frameCount:    int(int64(entities.StreamFormat.SampleRateHz) * int64(frameDuration) / int64(time.Second)),
		frameDuration: frameDuration,
		config:        entities.DefaultMusicConfig(),
		chunks:        make(chan []byte, defaultChunkBuffer),
		done:          make(chan struct{}),
	}
}

func (s *MockSession) run() {
	defer close(s.chunks)

	ticker := time.NewTicker(s.frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			chunk := s.nextChunk()
			if chunk == nil {
				continue
			}
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
	}
}

func (s *MockSession) nextChunk() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		return nil
	}
	return s.render(s.frameCount)
}

// render writes frameCount interleaved stereo PCM16 frames and advances the phase
func (s *MockSession) render(frameCount int) []byte {
	cfg := s.config
	sampleRate := float64(entities.StreamFormat.SampleRateHz)

	promptBias := 0.0
	if len(s.weights) > 0 {
		promptBias = lo.Sum(s.weights) / float64(len(s.weights))
	}
	baseFreq := 90.0 + float64(cfg.BPM)*0.55 + cfg.Brightness*180.0 + promptBias*8.0
	lfoFreq := 0.35 + cfg.Density*0.8

	guidanceMix := math.Max(0.05, math.Min(cfg.Guidance/6.0, 1.0))
	amplitude := 0.12 + cfg.Density*0.26
	if cfg.MuteBass {
		amplitude *= 0.7
	}
	if cfg.OnlyBassAndDrums {
		amplitude *= 0.85
	}

	switch cfg.MusicGenerationMode {
	case entities.ModeDiversity:
		baseFreq *= 1.07
	case entities.ModeVocalization:
		baseFreq *= 1.18
	}

	step := 2.0 * math.Pi * baseFreq / sampleRate
	lfoStep := 2.0 * math.Pi * lfoFreq / sampleRate

	pcm := make([]byte, frameCount*entities.StreamFormat.Channels*2)
	for i := 0; i < frameCount; i++ {
		idx := float64(i)
		lfo := math.Sin(s.phase*0.08 + idx*lfoStep)
		carrier := math.Sin(s.phase + idx*step)
		overtone := math.Sin(s.phase*1.9 + idx*step*1.92)

		sample := carrier*(0.75+0.25*guidanceMix) + overtone*0.35*(0.5+guidanceMix)
		sample *= 1.0 + 0.25*lfo
		sample *= amplitude
		if cfg.MuteDrums {
			sample *= 0.8
		}

		left := clamp(sample)
		right := clamp(sample*0.92 + 0.08*math.Sin(s.phase*0.5))

		binary.LittleEndian.PutUint16(pcm[i*4:], uint16(int16(left*32767.0)))
		binary.LittleEndian.PutUint16(pcm[i*4+2:], uint16(int16(right*32767.0)))
	}

	s.phase += float64(frameCount) * step
	if s.phase > 10_000 {
		s.phase = math.Mod(s.phase, 10_000)
	}
	return pcm
}

func clamp(v float64) float64 {
	return math.Max(-1.0, math.Min(1.0, v))
}

// SetPrompts implements repositories.GenerationSession
func (s *MockSession) SetPrompts(ctx context.Context, prompts []entities.WeightedPrompt) error {
	return s.update(func() {
		s.weights = lo.Map(prompts, func(p entities.WeightedPrompt, _ int) float64 { return p.Weight })
	})
}

// SetConfig implements repositories.GenerationSession
func (s *MockSession) SetConfig(ctx context.Context, cfg entities.MusicConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.update(func() { s.config = cfg.Clone() })
}

// Play implements repositories.GenerationSession
func (s *MockSession) Play(ctx context.Context) error {
	return s.update(func() { s.playing = true })
}

// Pause implements repositories.GenerationSession
func (s *MockSession) Pause(ctx context.Context) error {
	return s.update(func() { s.playing = false })
}

// Stop implements repositories.GenerationSession
func (s *MockSession) Stop(ctx context.Context) error {
	return s.update(func() {
		s.playing = false
		s.phase = 0
	})
}

// ResetContext implements repositories.GenerationSession
func (s *MockSession) ResetContext(ctx context.Context) error {
	return s.update(func() { s.phase = 0 })
}

func (s *MockSession) update(fn func()) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
	return nil
}

// Chunks implements repositories.GenerationSession
func (s *MockSession) Chunks() <-chan []byte {
	return s.chunks
}

// Err implements repositories.GenerationSession. The mock never fails.
func (s *MockSession) Err() error {
	return nil
}

// Fallback implements repositories.GenerationSession
func (s *MockSession) Fallback() error {
	return nil
}

// Close implements repositories.GenerationSession
func (s *MockSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
