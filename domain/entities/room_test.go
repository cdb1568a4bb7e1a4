package entities

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satriahrh/lyeria/server/domain"
)

func TestNewRoomState(t *testing.T) {
	now := time.Now().UTC()
	state := NewRoomState("room-1", now)

	require.Equal(t, "room-1", state.RoomID)
	require.Empty(t, state.Prompts)
	require.Equal(t, PlaybackPaused, state.PlaybackState)
	require.Equal(t, DefaultMusicConfig(), state.MusicConfig)
	require.Equal(t, "#2f7bff", state.Participants[RoleA].Color)
	require.Equal(t, "#ff4a4a", state.Participants[RoleB].Color)
	require.False(t, state.Participants[RoleA].Connected)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"A", RoleA, true},
		{"b", RoleB, true},
		{" a ", RoleA, true},
		{"C", Role("C"), false},
		{"", Role(""), false},
	}
	for _, tt := range tests {
		got, ok := ParseRole(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	require.Equal(t, RoleB, RoleA.Other())
	require.Equal(t, RoleA, RoleB.Other())
}

func TestNormalizeWeight(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{1.0, 1.0},
		{0, WeightEpsilon},
		{-0.001, -WeightEpsilon},
		{0.005, WeightEpsilon},
		{25, MaxPromptWeight},
		{-25, MinPromptWeight},
		{-2.5, -2.5},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizeWeight(tt.in), "weight %v", tt.in)
	}
}

func TestPromptLifecycle(t *testing.T) {
	// Given
	state := NewRoomState("room-1", time.Now())

	// When
	first, err := state.AddPrompt(RoleA, "  minimal techno ", 1.0)
	require.NoError(t, err)
	second, err := state.AddPrompt(RoleB, "dub chords", 0)
	require.NoError(t, err)

	// Then
	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, "minimal techno", first.Text)
	require.Equal(t, RoleA, first.CreatedBy)
	require.Equal(t, WeightEpsilon, second.Weight)
	require.Len(t, state.Prompts, 2)

	updated, err := state.UpdatePromptWeight(first.ID, 3)
	require.NoError(t, err)
	require.Equal(t, 3.0, updated.Weight)
	require.Equal(t, 3.0, state.Prompts[0].Weight)

	require.NoError(t, state.RemovePrompt(first.ID))
	require.Len(t, state.Prompts, 1)
	require.Equal(t, second.ID, state.Prompts[0].ID)

	_, err = state.UpdatePromptWeight(first.ID, 2)
	require.ErrorIs(t, err, domain.ErrUnknownPrompt)
	require.ErrorIs(t, state.RemovePrompt(first.ID), domain.ErrUnknownPrompt)
}

func TestAddPromptRejectsBadText(t *testing.T) {
	state := NewRoomState("room-1", time.Now())

	_, err := state.AddPrompt(RoleA, "   ", 1)
	require.ErrorIs(t, err, domain.ErrMalformedEvent)

	_, err = state.AddPrompt(RoleA, strings.Repeat("x", MaxPromptLength+1), 1)
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
	require.Empty(t, state.Prompts)
}

func TestSetPlayback(t *testing.T) {
	state := NewRoomState("room-1", time.Now())

	require.NoError(t, state.SetPlayback(CommandPlay))
	require.Equal(t, PlaybackPlaying, state.PlaybackState)

	require.NoError(t, state.SetPlayback(CommandResetContext))
	require.Equal(t, PlaybackPlaying, state.PlaybackState)

	require.NoError(t, state.SetPlayback(CommandStop))
	require.Equal(t, PlaybackStopped, state.PlaybackState)

	require.ErrorIs(t, state.SetPlayback("rewind"), domain.ErrMalformedEvent)
	require.Equal(t, PlaybackStopped, state.PlaybackState)
}

func TestActiveControlAndPresence(t *testing.T) {
	state := NewRoomState("room-1", time.Now())
	state.SetConnected(RoleA, true)

	p := state.SetActiveControl(RoleA, "bpm", true)
	require.Equal(t, "bpm", *p.ActiveControl)

	p = state.SetActiveControl(RoleA, "density", false)
	require.Equal(t, "bpm", *p.ActiveControl)

	p = state.SetActiveControl(RoleA, "bpm", false)
	require.Nil(t, p.ActiveControl)

	state.SetActiveControl(RoleA, "guidance", true)
	p = state.SetConnected(RoleA, false)
	require.False(t, p.Connected)
	require.Nil(t, p.ActiveControl)
}

func TestCloneIsIndependent(t *testing.T) {
	state := NewRoomState("room-1", time.Now())
	_, err := state.AddPrompt(RoleA, "acid", 1)
	require.NoError(t, err)
	state.SetActiveControl(RoleB, "scale", true)

	snap := state.Clone()
	snap.Prompts[0].Text = "changed"
	*snap.Participants[RoleB].ActiveControl = "bpm"

	require.Equal(t, "acid", state.Prompts[0].Text)
	require.Equal(t, "scale", *state.Participants[RoleB].ActiveControl)
}
