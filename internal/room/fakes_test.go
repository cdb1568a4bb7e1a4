package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type fakeSink struct {
	mu     sync.Mutex
	frames []frame
	closed bool
}

func (s *fakeSink) Deliver(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, f)
	return true
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

func (s *fakeSink) ofType(typ string) []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []frame
	for _, f := range s.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (s *fakeSink) lastSnapshot(t *testing.T) entities.RoomState {
	t.Helper()
	snaps := s.ofType(domain.EventStateSnapshot)
	if len(snaps) == 0 {
		t.Fatal("no snapshot delivered")
	}
	var state entities.RoomState
	if err := json.Unmarshal(snaps[len(snaps)-1].Payload, &state); err != nil {
		t.Fatal(err)
	}
	return state
}

type fakeSession struct {
	mu        sync.Mutex
	ops       []string
	configs   []entities.MusicConfig
	prompts   [][]entities.WeightedPrompt
	rejectBPM int
	fallback  error
	err       error
	chunks    chan []byte
	closed    bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{chunks: make(chan []byte, 8)}
}

func (s *fakeSession) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return domain.ErrSessionClosed
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *fakeSession) SetPrompts(ctx context.Context, prompts []entities.WeightedPrompt) error {
	if err := s.record("set_prompts"); err != nil {
		return err
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompts)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) SetConfig(ctx context.Context, cfg entities.MusicConfig) error {
	s.mu.Lock()
	reject := s.rejectBPM != 0 && cfg.BPM == s.rejectBPM
	s.mu.Unlock()
	if reject {
		return fmt.Errorf("%w: bpm %d unsupported", domain.ErrInvalidConfig, cfg.BPM)
	}
	if err := s.record("set_config"); err != nil {
		return err
	}
	s.mu.Lock()
	s.configs = append(s.configs, cfg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Play(ctx context.Context) error         { return s.record("play") }
func (s *fakeSession) Pause(ctx context.Context) error        { return s.record("pause") }
func (s *fakeSession) Stop(ctx context.Context) error         { return s.record("stop") }
func (s *fakeSession) ResetContext(ctx context.Context) error { return s.record("reset_context") }
func (s *fakeSession) Chunks() <-chan []byte                  { return s.chunks }
func (s *fakeSession) Fallback() error                        { return s.fallback }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		if s.err == nil {
			close(s.chunks)
		}
	}
	return nil
}

// fail ends the audio stream the way an upstream disconnect does
func (s *fakeSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	close(s.chunks)
}

func (s *fakeSession) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.ops...)
}

func (s *fakeSession) configsSnapshot() []entities.MusicConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.MusicConfig{}, s.configs...)
}

func (s *fakeSession) clearOps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = nil
	s.configs = nil
}

type fakeGenerator struct {
	mu        sync.Mutex
	sessions  []*fakeSession
	fallback  error
	rejectBPM int
	openErr   error

	// when set, Open announces itself on entered and waits for gate
	entered chan struct{}
	gate    chan struct{}
}

func (g *fakeGenerator) Open(ctx context.Context) (repositories.GenerationSession, error) {
	if g.gate != nil {
		g.entered <- struct{}{}
		select {
		case <-g.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	s := newFakeSession()
	s.fallback = g.fallback
	s.rejectBPM = g.rejectBPM
	g.sessions = append(g.sessions, s)
	return s, nil
}

func (g *fakeGenerator) opened() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *fakeGenerator) last() *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[len(g.sessions)-1]
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReconnectGrace = time.Hour
	opts.AudioQueueDepth = 4
	return opts
}

func newTestManager(t *testing.T, opts Options, gen repositories.MusicGenerator) *Manager {
	t.Helper()
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(opts, tokens, gen, telemetry.NewNopMetrics(), nil, zaptest.NewLogger(t))
	t.Cleanup(m.CloseAll)
	return m
}

// connect joins and attaches a control sink the way the socket layer does
func connect(t *testing.T, m *Manager, r *Room, preferred entities.Role) (entities.Role, *fakeSink, string) {
	t.Helper()
	joined, err := m.JoinRoom(r.ID(), preferred)
	if err != nil {
		t.Fatal(err)
	}
	_, claims, err := m.Authorize(r.ID(), joined.Token)
	if err != nil {
		t.Fatal(err)
	}
	sink := &fakeSink{}
	if err := r.Attach(claims.Role, claims.SlotID(), sink); err != nil {
		t.Fatal(err)
	}
	return claims.Role, sink, claims.SlotID()
}
