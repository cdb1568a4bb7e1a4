package entities

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/satriahrh/lyeria/server/domain"
)

// Role identifies one of the two participant slots of a room
type Role string

const (
	RoleA Role = "A"
	RoleB Role = "B"
)

// Roles lists the slots in assignment order
var Roles = []Role{RoleA, RoleB}

var roleColors = map[Role]string{
	RoleA: "#2f7bff",
	RoleB: "#ff4a4a",
}

// ParseRole converts user input to a Role
func ParseRole(s string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	return role, lo.Contains(Roles, role)
}

// Color returns the display color of the role
func (r Role) Color() string {
	return roleColors[r]
}

// Other returns the opposite slot
func (r Role) Other() Role {
	if r == RoleA {
		return RoleB
	}
	return RoleA
}

// PlaybackState is changed only by explicit playback commands
type PlaybackState string

const (
	PlaybackStopped PlaybackState = "stopped"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackPlaying PlaybackState = "playing"
)

// Playback commands accepted from clients
const (
	CommandPlay         = "play"
	CommandPause        = "pause"
	CommandStop         = "stop"
	CommandResetContext = "reset_context"
)

// Prompt weight bounds. Zero carries no meaning upstream, so weights
// closer to zero than WeightEpsilon are pushed out to it.
const (
	MinPromptWeight     = -10.0
	MaxPromptWeight     = 10.0
	WeightEpsilon       = 0.01
	DefaultPromptWeight = 1.0
	MaxPromptLength     = 300
)

// Participant is the public view of one role slot
type Participant struct {
	Role          Role    `json:"role"`
	Color         string  `json:"color"`
	Connected     bool    `json:"connected"`
	ActiveControl *string `json:"active_control"`
}

// WeightedPrompt is a text prompt steering the generator
type WeightedPrompt struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Weight    float64 `json:"weight"`
	CreatedBy Role    `json:"created_by"`
}

// RoomState is the canonical state of a room
type RoomState struct {
	RoomID        string               `json:"room_id"`
	Prompts       []WeightedPrompt     `json:"prompts"`
	MusicConfig   MusicConfig          `json:"music_config"`
	Participants  map[Role]Participant `json:"participants"`
	PlaybackState PlaybackState        `json:"playback_state"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// NewRoomState creates the initial state of a room
func NewRoomState(roomID string, now time.Time) *RoomState {
	participants := make(map[Role]Participant, len(Roles))
	for _, role := range Roles {
		participants[role] = Participant{Role: role, Color: role.Color()}
	}
	return &RoomState{
		RoomID:        roomID,
		Prompts:       []WeightedPrompt{},
		MusicConfig:   DefaultMusicConfig(),
		Participants:  participants,
		PlaybackState: PlaybackPaused,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NormalizeWeight clamps w into the allowed range and keeps it off zero
func NormalizeWeight(w float64) float64 {
	if math.IsNaN(w) {
		return DefaultPromptWeight
	}
	w = math.Max(MinPromptWeight, math.Min(MaxPromptWeight, w))
	if math.Abs(w) < WeightEpsilon {
		if w < 0 {
			return -WeightEpsilon
		}
		return WeightEpsilon
	}
	return w
}

// AddPrompt appends a new prompt with a server assigned id
func (s *RoomState) AddPrompt(role Role, text string, weight float64) (WeightedPrompt, error) {
	text = strings.TrimSpace(text)
	if text == "" || len([]rune(text)) > MaxPromptLength {
		return WeightedPrompt{}, fmt.Errorf("%w: prompt text must be 1-%d characters", domain.ErrMalformedEvent, MaxPromptLength)
	}
	prompt := WeightedPrompt{
		ID:        uuid.NewString(),
		Text:      text,
		Weight:    NormalizeWeight(weight),
		CreatedBy: role,
	}
	s.Prompts = append(s.Prompts, prompt)
	s.touch()
	return prompt, nil
}

// UpdatePromptWeight changes the weight of an existing prompt
func (s *RoomState) UpdatePromptWeight(id string, weight float64) (WeightedPrompt, error) {
	_, idx, found := lo.FindIndexOf(s.Prompts, func(p WeightedPrompt) bool { return p.ID == id })
	if !found {
		return WeightedPrompt{}, fmt.Errorf("%w: %s", domain.ErrUnknownPrompt, id)
	}
	s.Prompts[idx].Weight = NormalizeWeight(weight)
	s.touch()
	return s.Prompts[idx], nil
}

// RemovePrompt deletes a prompt, keeping the order of the rest
func (s *RoomState) RemovePrompt(id string) error {
	_, idx, found := lo.FindIndexOf(s.Prompts, func(p WeightedPrompt) bool { return p.ID == id })
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrUnknownPrompt, id)
	}
	s.Prompts = append(s.Prompts[:idx:idx], s.Prompts[idx+1:]...)
	s.touch()
	return nil
}

// SetMusicConfig replaces the configuration after validating it
func (s *RoomState) SetMusicConfig(cfg MusicConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.MusicConfig = cfg.Clone()
	s.touch()
	return nil
}

// SetPlayback applies a playback command. reset_context leaves the state
// unchanged.
func (s *RoomState) SetPlayback(command string) error {
	switch command {
	case CommandPlay:
		s.PlaybackState = PlaybackPlaying
	case CommandPause:
		s.PlaybackState = PlaybackPaused
	case CommandStop:
		s.PlaybackState = PlaybackStopped
	case CommandResetContext:
		return nil
	default:
		return fmt.Errorf("%w: unknown playback command %q", domain.ErrMalformedEvent, command)
	}
	s.touch()
	return nil
}

// SetConnected updates presence of a role. Leaving clears the active control.
func (s *RoomState) SetConnected(role Role, connected bool) Participant {
	p := s.Participants[role]
	p.Connected = connected
	if !connected {
		p.ActiveControl = nil
	}
	s.Participants[role] = p
	s.touch()
	return p
}

// SetActiveControl records which control a participant is touching
func (s *RoomState) SetActiveControl(role Role, controlID string, active bool) Participant {
	p := s.Participants[role]
	switch {
	case active:
		p.ActiveControl = lo.ToPtr(controlID)
	case p.ActiveControl != nil && *p.ActiveControl == controlID:
		p.ActiveControl = nil
	}
	s.Participants[role] = p
	return p
}

// Clone returns a deep copy safe to hand to other goroutines
func (s *RoomState) Clone() RoomState {
	out := *s
	out.Prompts = append([]WeightedPrompt{}, s.Prompts...)
	out.MusicConfig = s.MusicConfig.Clone()
	out.Participants = make(map[Role]Participant, len(s.Participants))
	for role, p := range s.Participants {
		if p.ActiveControl != nil {
			p.ActiveControl = lo.ToPtr(*p.ActiveControl)
		}
		out.Participants[role] = p
	}
	return out
}

func (s *RoomState) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// AudioFormat describes the raw PCM carried on the audio channel
type AudioFormat struct {
	SampleRateHz int    `json:"sampleRateHz"`
	Channels     int    `json:"channels"`
	Encoding     string `json:"encoding"`
}

// StreamFormat is the fixed format of every generated chunk
var StreamFormat = AudioFormat{SampleRateHz: 48000, Channels: 2, Encoding: "pcm16"}
