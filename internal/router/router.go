package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

var validate = validator.New()

// Room is the part of a room the router drives
type Room interface {
	ID() string
	IsDuplicate(role entities.Role, eventID string) bool
	MarkHandled(role entities.Role, eventID string)
	ApplyConfigPatch(ctx context.Context, patch entities.ConfigPatch) (entities.MusicConfig, error)
	AddPrompt(ctx context.Context, role entities.Role, text string, weight float64) (entities.WeightedPrompt, error)
	UpdatePromptWeight(ctx context.Context, id string, weight float64) (entities.WeightedPrompt, error)
	RemovePrompt(ctx context.Context, id string) error
	Playback(ctx context.Context, command string) error
	SetInteraction(role entities.Role, controlID string, active bool) entities.Participant
	SendTo(role entities.Role, env domain.OutboundEnvelope)
}

// Router applies control events from one participant to its room. Events
// from one connection are handled in receipt order because the socket read
// loop calls Handle synchronously.
type Router struct {
	journal repositories.EventJournal
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New creates a control event router. journal may be nil.
func New(journal repositories.EventJournal, metrics *telemetry.Metrics, logger *zap.Logger) *Router {
	return &Router{
		journal: journal,
		metrics: metrics,
		logger:  logger,
	}
}

// Handle decodes and applies one raw control frame. Failures are reported to
// the sender only and never reach the other participant.
func (rt *Router) Handle(ctx context.Context, room Room, role entities.Role, raw []byte) string {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		rt.reject(room, role, "unknown", fmt.Errorf("%w: invalid envelope", domain.ErrMalformedEvent), nil)
		return OutcomeRejected
	}

	logger := rt.logger.With(
		zap.String("roomID", room.ID()),
		zap.String("role", string(role)),
		zap.String("eventType", env.Type),
		zap.String("eventID", env.EventID))

	if env.Type == domain.EventPing {
		rt.metrics.ControlEvent(env.Type, OutcomeIgnored)
		return OutcomeIgnored
	}
	if room.IsDuplicate(role, env.EventID) {
		logger.Debug("Dropping duplicate control event")
		rt.metrics.ControlEvent(env.Type, OutcomeDuplicate)
		return OutcomeDuplicate
	}

	details, err := rt.dispatch(ctx, room, role, env)
	if err != nil {
		logger.Info("Control event rejected", zap.Error(err))
		rt.reject(room, role, env.Type, err, details)
		return OutcomeRejected
	}

	logger.Debug("Control event applied")
	room.MarkHandled(role, env.EventID)
	rt.metrics.ControlEvent(env.Type, OutcomeAccepted)
	if env.Type != domain.EventControlInteraction {
		rt.record(ctx, room, role, env)
	}
	return OutcomeAccepted
}

func (rt *Router) dispatch(ctx context.Context, room Room, role entities.Role, env domain.Envelope) (any, error) {
	switch env.Type {
	case domain.EventControlPatch:
		patch, err := entities.ParseConfigPatch(env.Payload)
		if err != nil {
			return nil, err
		}
		_, err = room.ApplyConfigPatch(ctx, patch)
		return map[string][]string{"keys": patch.Keys()}, err

	case domain.EventPromptAdd:
		payload, details, err := decode[domain.PromptAddPayload](env.Payload)
		if err != nil {
			return details, err
		}
		weight := entities.DefaultPromptWeight
		if payload.Weight != nil {
			weight = *payload.Weight
		}
		_, err = room.AddPrompt(ctx, role, payload.Text, weight)
		return nil, err

	case domain.EventPromptUpdateWeight:
		payload, details, err := decode[domain.PromptWeightPayload](env.Payload)
		if err != nil {
			return details, err
		}
		if payload.TargetID() == "" {
			return []string{"promptId"}, fmt.Errorf("%w: prompt id is required", domain.ErrMalformedEvent)
		}
		_, err = room.UpdatePromptWeight(ctx, payload.TargetID(), *payload.Weight)
		return map[string]string{"promptId": payload.TargetID()}, err

	case domain.EventPromptRemove:
		payload, details, err := decode[domain.PromptRemovePayload](env.Payload)
		if err != nil {
			return details, err
		}
		if payload.TargetID() == "" {
			return []string{"promptId"}, fmt.Errorf("%w: prompt id is required", domain.ErrMalformedEvent)
		}
		return map[string]string{"promptId": payload.TargetID()}, room.RemovePrompt(ctx, payload.TargetID())

	case domain.EventPlaybackCommand:
		payload, details, err := decode[domain.PlaybackPayload](env.Payload)
		if err != nil {
			return details, err
		}
		return nil, room.Playback(ctx, payload.Command)

	case domain.EventControlInteraction:
		payload, details, err := decode[domain.InteractionPayload](env.Payload)
		if err != nil {
			return details, err
		}
		room.SetInteraction(role, payload.ControlID, payload.Active)
		return nil, nil

	default:
		return map[string]string{"type": env.Type}, fmt.Errorf("%w: unknown event type", domain.ErrMalformedEvent)
	}
}

// decode unmarshals and validates a payload. details lists the offending
// fields when validation fails.
func decode[T any](raw json.RawMessage) (T, []string, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil, fmt.Errorf("%w: missing payload", domain.ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
			return payload, fields, fmt.Errorf("%w: invalid %v", domain.ErrMalformedEvent, fields)
		}
		return payload, nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	return payload, nil, nil
}

func (rt *Router) reject(room Room, role entities.Role, eventType string, err error, details any) {
	rt.metrics.ControlEvent(eventType, OutcomeRejected)
	room.SendTo(role, domain.NewErrorEnvelope(err, details))
}

func (rt *Router) record(ctx context.Context, room Room, role entities.Role, env domain.Envelope) {
	if rt.journal == nil {
		return
	}
	entry := repositories.JournalEntry{
		RoomID:    room.ID(),
		Role:      role,
		Type:      env.Type,
		EventID:   env.EventID,
		Payload:   env.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := rt.journal.Append(ctx, entry); err != nil {
		rt.logger.Warn("Failed to journal control event",
			zap.String("roomID", room.ID()),
			zap.String("eventType", env.Type),
			zap.Error(err))
	}
}
