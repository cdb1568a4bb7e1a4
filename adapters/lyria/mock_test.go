package lyria

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
)

func TestMockSessionEmitsOnlyWhilePlaying(t *testing.T) {
	ctx := context.Background()
	gen := NewMockGenerator(5*time.Millisecond, zaptest.NewLogger(t))

	session, err := gen.Open(ctx)
	require.NoError(t, err)
	defer session.Close()

	select {
	case <-session.Chunks():
		t.Fatal("paused session must not emit audio")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, session.Play(ctx))
	select {
	case chunk := <-session.Chunks():
		// 5 ms at 48 kHz stereo PCM16
		require.Len(t, chunk, 240*2*2)
	case <-time.After(time.Second):
		t.Fatal("playing session produced no audio")
	}
}

func TestMockSessionChunkSize(t *testing.T) {
	s := newMockSession(defaultFrameDuration)
	require.Equal(t, 960, s.frameCount)

	chunk := s.render(s.frameCount)
	require.Len(t, chunk, 3840)

	nonZero := false
	for i := 0; i+1 < len(chunk); i += 2 {
		if int16(binary.LittleEndian.Uint16(chunk[i:])) != 0 {
			nonZero = true
			break
		}
	}
	require.True(t, nonZero)
}

func TestMockSessionIsDeterministic(t *testing.T) {
	a := newMockSession(defaultFrameDuration)
	b := newMockSession(defaultFrameDuration)

	require.Equal(t, a.render(960), b.render(960))
	require.Equal(t, a.render(960), b.render(960))
}

func TestMockSessionConfigShapesTone(t *testing.T) {
	ctx := context.Background()
	a := newMockSession(defaultFrameDuration)
	b := newMockSession(defaultFrameDuration)

	cfg := entities.DefaultMusicConfig()
	cfg.BPM = 180
	require.NoError(t, b.SetConfig(ctx, cfg))

	require.NotEqual(t, a.render(960), b.render(960))
}

func TestMockSessionResetAndStopRewindPhase(t *testing.T) {
	ctx := context.Background()
	s := newMockSession(defaultFrameDuration)

	first := s.render(960)
	s.render(960)
	require.NoError(t, s.ResetContext(ctx))
	require.Equal(t, first, s.render(960))

	require.NoError(t, s.Play(ctx))
	require.NoError(t, s.Stop(ctx))
	require.False(t, s.playing)
	require.Zero(t, s.phase)
}

func TestMockSessionRejectsCallsAfterClose(t *testing.T) {
	ctx := context.Background()
	gen := NewMockGenerator(5*time.Millisecond, zaptest.NewLogger(t))
	session, err := gen.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	require.ErrorIs(t, session.Play(ctx), domain.ErrSessionClosed)

	// the chunk channel drains and closes
	for range session.Chunks() {
	}
	require.NoError(t, session.Err())
}
