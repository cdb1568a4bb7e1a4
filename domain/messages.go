package domain

import "encoding/json"

// Client to server control event types
const (
	EventControlPatch       = "control.patch"
	EventPromptAdd          = "prompt.add"
	EventPromptUpdateWeight = "prompt.update_weight"
	EventPromptRemove       = "prompt.remove"
	EventPlaybackCommand    = "playback.command"
	EventControlInteraction = "control.interaction"
	EventPing               = "ping"
)

// Server to client event types
const (
	EventStateSnapshot  = "server.state_snapshot"
	EventPresenceUpdate = "server.presence_update"
	EventError          = "server.error"
	EventAudioFormat    = "server.audio_format"
)

// Envelope is the tagged JSON frame carried on the control channel
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	EventID string          `json:"eventId,omitempty"`
}

// OutboundEnvelope is the server side counterpart of Envelope
type OutboundEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// PromptAddPayload is the payload of prompt.add
type PromptAddPayload struct {
	Text   string   `json:"text" validate:"required,max=300"`
	Weight *float64 `json:"weight"`
}

// PromptWeightPayload is the payload of prompt.update_weight.
// Clients send either promptId or id.
type PromptWeightPayload struct {
	PromptID string   `json:"promptId"`
	ID       string   `json:"id"`
	Weight   *float64 `json:"weight" validate:"required"`
}

// PromptRemovePayload is the payload of prompt.remove
type PromptRemovePayload struct {
	PromptID string `json:"promptId"`
	ID       string `json:"id"`
}

// PlaybackPayload is the payload of playback.command
type PlaybackPayload struct {
	Command string `json:"command" validate:"required,oneof=play pause stop reset_context"`
}

// InteractionPayload is the payload of control.interaction
type InteractionPayload struct {
	ControlID string `json:"controlId" validate:"required,max=128"`
	Active    bool   `json:"active"`
}

// PresencePayload is sent as server.presence_update
type PresencePayload struct {
	Role          string  `json:"role"`
	Color         string  `json:"color"`
	Connected     bool    `json:"connected"`
	ActiveControl *string `json:"active_control"`
}

// ErrorPayload is sent as server.error
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// TargetID returns whichever identifier field the client filled
func (p PromptWeightPayload) TargetID() string {
	if p.PromptID != "" {
		return p.PromptID
	}
	return p.ID
}

// TargetID returns whichever identifier field the client filled
func (p PromptRemovePayload) TargetID() string {
	if p.PromptID != "" {
		return p.PromptID
	}
	return p.ID
}

// NewErrorEnvelope builds a server.error frame for err
func NewErrorEnvelope(err error, details any) OutboundEnvelope {
	return OutboundEnvelope{
		Type: EventError,
		Payload: ErrorPayload{
			Code:    ErrorCode(err),
			Message: err.Error(),
			Details: details,
		},
	}
}
