package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/broadcast"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

// Sink receives encoded control frames for one control connection.
// Deliver must not block; it returns false when the frame could not be
// queued, after which the room closes the sink.
type Sink interface {
	Deliver(msg []byte) bool
	Close()
}

type slotState int

const (
	slotFree slotState = iota
	slotReserved
	slotConnected
	slotDisconnected
)

func (s slotState) String() string {
	switch s {
	case slotReserved:
		return "reserved"
	case slotConnected:
		return "connected"
	case slotDisconnected:
		return "disconnected"
	default:
		return "free"
	}
}

type slot struct {
	state         slotState
	slotID        string
	reservedUntil time.Time
	lastSeen      time.Time
	sink          Sink
	grace         *time.Timer
}

// Room owns the canonical state of one room and its generation session.
// Every mutation and every call into a live session happens under mu, so the
// two participants always observe one serial history. Opening a session can
// take several upstream attempts, so it runs under openMu instead.
type Room struct {
	id        string
	opts      Options
	generator repositories.MusicGenerator
	metrics   *telemetry.Metrics
	faults    telemetry.FaultReporter
	logger    *zap.Logger

	audio *broadcast.Broadcaster
	dedup *Deduper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	openMu sync.Mutex

	mu         sync.Mutex
	state      *entities.RoomState
	lastGood   entities.MusicConfig
	slots      map[entities.Role]*slot
	session    repositories.GenerationSession
	stopPump   context.CancelFunc
	emptySince time.Time
	closed     bool
}

func newRoom(id string, opts Options, generator repositories.MusicGenerator, metrics *telemetry.Metrics, faults telemetry.FaultReporter, logger *zap.Logger) *Room {
	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:         id,
		opts:       opts,
		generator:  generator,
		metrics:    metrics,
		faults:     faults,
		logger:     logger.With(zap.String("roomID", id)),
		audio:      broadcast.New(opts.AudioQueueDepth, metrics),
		dedup:      NewDeduper(opts.DedupWindow),
		ctx:        ctx,
		cancel:     cancel,
		state:      entities.NewRoomState(id, now),
		lastGood:   entities.DefaultMusicConfig(),
		slots:      make(map[entities.Role]*slot, len(entities.Roles)),
		emptySince: now,
	}
	for _, role := range entities.Roles {
		r.slots[role] = &slot{}
	}

	r.wg.Add(1)
	go r.presenceLoop()
	return r
}

// ID returns the room identifier
func (r *Room) ID() string {
	return r.id
}

// Snapshot returns a copy of the canonical state
func (r *Room) Snapshot() entities.RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// IsDuplicate reports whether a client event id was already handled
func (r *Room) IsDuplicate(role entities.Role, eventID string) bool {
	return r.dedup.Seen(role, eventID)
}

// MarkHandled records an accepted client event id so retries are dropped
func (r *Room) MarkHandled(role entities.Role, eventID string) {
	r.dedup.Record(role, eventID)
}

// reserve assigns a free role, preferring preferred when it is free
func (r *Room) reserve(preferred entities.Role, now time.Time) (entities.Role, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", "", domain.ErrRoomNotFound
	}
	r.expireReservationsLocked(now)

	order := entities.Roles
	if preferred != "" {
		order = []entities.Role{preferred, preferred.Other()}
	}
	for _, role := range order {
		s := r.slots[role]
		if s.state != slotFree {
			continue
		}
		s.state = slotReserved
		s.slotID = uuid.NewString()
		s.reservedUntil = now.Add(r.opts.ReservationTTL)
		r.emptySince = time.Time{}
		r.logger.Info("Role reserved", zap.String("role", string(role)))
		return role, s.slotID, nil
	}
	return "", "", domain.ErrRoomFull
}

// Attach binds a control connection to role. The token's slotID must match
// the live reservation of that role, whether reserved, connected or inside
// its reconnect grace. A second connection for the same slot replaces the
// first. The caller receives the full snapshot through sink.
func (r *Room) Attach(role entities.Role, slotID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return domain.ErrRoomNotFound
	}
	r.expireReservationsLocked(time.Now().UTC())
	s := r.slots[role]
	if s.state == slotFree {
		return fmt.Errorf("%w: reservation for role %s expired", domain.ErrInvalidToken, role)
	}
	if s.slotID != slotID {
		return fmt.Errorf("%w: role %s was reassigned", domain.ErrInvalidToken, role)
	}

	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	previous := s.sink
	reconnect := s.state == slotDisconnected

	s.state = slotConnected
	s.sink = sink
	s.lastSeen = time.Now()
	r.emptySince = time.Time{}
	if previous != nil && previous != sink {
		previous.Close()
	}

	participant := r.state.SetConnected(role, true)
	r.logger.Info("Control socket attached",
		zap.String("role", string(role)),
		zap.Bool("reconnect", reconnect),
		zap.Bool("replaced", previous != nil))

	r.sendToLocked(role, snapshotEnvelope(r.state))
	r.sendToLocked(role.Other(), presenceEnvelope(participant))
	r.sendToLocked(role.Other(), snapshotEnvelope(r.state))
	return nil
}

// Detach marks role disconnected if sink is still its connection, and
// starts the reconnect grace timer.
func (r *Room) Detach(role entities.Role, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[role]
	if r.closed || s.sink != sink {
		return
	}
	r.disconnectLocked(role, s, "socket closed")
}

func (r *Room) disconnectLocked(role entities.Role, s *slot, reason string) {
	s.sink = nil
	s.state = slotDisconnected
	slotID := s.slotID
	s.grace = time.AfterFunc(r.opts.ReconnectGrace, func() {
		r.release(role, slotID)
	})

	participant := r.state.SetConnected(role, false)
	r.logger.Info("Participant disconnected",
		zap.String("role", string(role)),
		zap.String("reason", reason),
		zap.Duration("grace", r.opts.ReconnectGrace))

	r.sendToLocked(role.Other(), presenceEnvelope(participant))
	r.sendToLocked(role.Other(), snapshotEnvelope(r.state))
}

// release frees a slot whose grace period ran out
func (r *Room) release(role entities.Role, slotID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[role]
	if r.closed || s.state != slotDisconnected || s.slotID != slotID {
		return
	}
	*s = slot{}
	r.logger.Info("Role released after reconnect grace", zap.String("role", string(role)))
	r.markEmptyLocked(time.Now().UTC())
}

// Heartbeat records liveness of the connection bound to role
func (r *Room) Heartbeat(role entities.Role, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.slots[role]; s.sink == sink {
		s.lastSeen = time.Now()
	}
}

func (r *Room) presenceLoop() {
	defer r.wg.Done()

	interval := r.opts.HeartbeatTimeout / 2
	if interval <= 0 || interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepPresence(time.Now())
		}
	}
}

// sweepPresence disconnects participants whose heartbeat lapsed and frees
// expired reservations
func (r *Room) sweepPresence(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	for _, role := range entities.Roles {
		s := r.slots[role]
		if s.state != slotConnected || now.Sub(s.lastSeen) <= r.opts.HeartbeatTimeout {
			continue
		}
		sink := s.sink
		r.disconnectLocked(role, s, "heartbeat timeout")
		if sink != nil {
			sink.Close()
		}
	}
	r.expireReservationsLocked(now)
}

func (r *Room) expireReservationsLocked(now time.Time) {
	for role, s := range r.slots {
		if s.state == slotReserved && now.After(s.reservedUntil) {
			*s = slot{}
			r.logger.Info("Role reservation expired", zap.String("role", string(role)))
		}
	}
	r.markEmptyLocked(now)
}

func (r *Room) markEmptyLocked(now time.Time) {
	if !r.emptySince.IsZero() {
		return
	}
	for _, s := range r.slots {
		if s.state != slotFree {
			return
		}
	}
	r.emptySince = now
}

// reapable reports whether the room has had no participants and no
// listeners for longer than the idle timeout
func (r *Room) reapable(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireReservationsLocked(now)
	if r.emptySince.IsZero() || r.audio.Len() > 0 {
		return false
	}
	return now.Sub(r.emptySince) >= r.opts.IdleTimeout
}

// SubscribeAudio registers an audio consumer and makes sure the generation
// session is running
func (r *Room) SubscribeAudio(ctx context.Context) (*broadcast.Subscription, error) {
	sub, err := r.audio.Subscribe()
	if err != nil {
		return nil, domain.ErrRoomNotFound
	}
	if err := r.EnsureSession(ctx); err != nil {
		sub.Cancel()
		return nil, err
	}
	return sub, nil
}

// EnsureSession opens the generation session if none is running. The
// upstream is dialed without holding mu, so control events keep flowing
// while it connects; the canonical state is applied once it is up.
func (r *Room) EnsureSession(ctx context.Context) error {
	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.mu.Lock()
	running, closed := r.session != nil, r.closed
	r.mu.Unlock()
	if closed {
		return domain.ErrRoomNotFound
	}
	if running {
		return nil
	}

	session, err := r.generator.Open(ctx)
	if err != nil {
		r.faults.ReportFault(r.id, err)
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		session.Close()
		return domain.ErrRoomNotFound
	}
	if r.session != nil {
		session.Close()
		return nil
	}
	return r.installSessionLocked(ctx, session)
}

func (r *Room) installSessionLocked(ctx context.Context, session repositories.GenerationSession) error {
	if err := r.applyStateLocked(ctx, session); err != nil {
		session.Close()
		return err
	}

	pumpCtx, stop := context.WithCancel(r.ctx)
	r.session = session
	r.stopPump = stop
	r.wg.Add(1)
	go r.pump(pumpCtx, session)

	if cause := session.Fallback(); cause != nil {
		r.metrics.UpstreamFallback()
		r.logger.Warn("Room running on fallback generator", zap.Error(cause))
		r.broadcastLocked(domain.NewErrorEnvelope(cause, map[string]bool{"fatal": false}))
	}
	r.logger.Info("Generation session started")
	return nil
}

// applyStateLocked brings a fresh session up to the canonical state
func (r *Room) applyStateLocked(ctx context.Context, session repositories.GenerationSession) error {
	if err := session.SetPrompts(ctx, r.promptsLocked()); err != nil {
		return err
	}
	if err := session.SetConfig(ctx, r.state.MusicConfig.Clone()); err != nil {
		return err
	}
	if r.state.PlaybackState == entities.PlaybackPlaying {
		return session.Play(ctx)
	}
	return nil
}

func (r *Room) pump(ctx context.Context, session repositories.GenerationSession) {
	defer r.wg.Done()
	if err := r.audio.Pipe(ctx, session.Chunks()); err != nil {
		return
	}
	r.sessionEnded(session, session.Err())
}

// sessionEnded handles a session whose audio stream closed on its own
func (r *Room) sessionEnded(session repositories.GenerationSession, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != session {
		return
	}
	if cause == nil {
		cause = domain.ErrSessionClosed
	}
	r.dropSessionLocked(cause)
}

// dropSessionLocked discards a failed session. Control state is kept and
// the next play command opens a new session.
func (r *Room) dropSessionLocked(cause error) {
	if r.session == nil {
		return
	}
	r.stopPump()
	r.session.Close()
	r.session = nil
	r.stopPump = nil

	r.metrics.UpstreamFailure()
	r.faults.ReportFault(r.id, cause)
	r.broadcastLocked(domain.NewErrorEnvelope(cause, map[string]bool{"fatal": false}))
}

// forwardLocked runs fn against the live session, if any. A failure drops
// the session.
func (r *Room) forwardLocked(fn func(repositories.GenerationSession) error) {
	if r.session == nil {
		return
	}
	if err := fn(r.session); err != nil {
		r.logger.Warn("Generation session rejected update", zap.Error(err))
		r.dropSessionLocked(err)
	}
}

// ApplyConfigPatch merges patch into the canonical configuration, forwards
// the complete result and, for bpm or scale, resets the upstream context.
func (r *Room) ApplyConfigPatch(ctx context.Context, patch entities.ConfigPatch) (entities.MusicConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return entities.MusicConfig{}, domain.ErrRoomNotFound
	}

	next, err := patch.Apply(r.state.MusicConfig)
	if err != nil {
		return r.state.MusicConfig.Clone(), err
	}
	if err := r.state.SetMusicConfig(next); err != nil {
		return r.state.MusicConfig.Clone(), err
	}

	if r.session != nil {
		if err := r.session.SetConfig(ctx, next.Clone()); err != nil {
			if errors.Is(err, domain.ErrInvalidConfig) {
				r.restoreLastGoodLocked(ctx, err)
				return r.state.MusicConfig.Clone(), err
			}
			r.dropSessionLocked(err)
		} else if patch.RequiresReset() {
			r.forwardLocked(func(s repositories.GenerationSession) error { return s.ResetContext(ctx) })
		}
	}

	r.lastGood = next.Clone()
	r.broadcastLocked(snapshotEnvelope(r.state))
	return next, nil
}

// restoreLastGoodLocked recovers from a configuration the session refused
func (r *Room) restoreLastGoodLocked(ctx context.Context, cause error) {
	r.faults.ReportFault(r.id, fmt.Errorf("restoring last known good config: %w", cause))
	if err := r.state.SetMusicConfig(r.lastGood); err != nil {
		r.state.MusicConfig = entities.DefaultMusicConfig()
		r.lastGood = r.state.MusicConfig
	}
	r.forwardLocked(func(s repositories.GenerationSession) error {
		return s.SetConfig(ctx, r.state.MusicConfig.Clone())
	})
	r.broadcastLocked(snapshotEnvelope(r.state))
}

// AddPrompt appends a prompt and forwards the full list
func (r *Room) AddPrompt(ctx context.Context, role entities.Role, text string, weight float64) (entities.WeightedPrompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return entities.WeightedPrompt{}, domain.ErrRoomNotFound
	}

	prompt, err := r.state.AddPrompt(role, text, weight)
	if err != nil {
		return entities.WeightedPrompt{}, err
	}
	r.forwardPromptsLocked(ctx)
	r.broadcastLocked(snapshotEnvelope(r.state))
	return prompt, nil
}

// UpdatePromptWeight changes a weight in place. Unknown ids leave the state
// untouched and return domain.ErrUnknownPrompt.
func (r *Room) UpdatePromptWeight(ctx context.Context, id string, weight float64) (entities.WeightedPrompt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return entities.WeightedPrompt{}, domain.ErrRoomNotFound
	}

	prompt, err := r.state.UpdatePromptWeight(id, weight)
	if err != nil {
		return entities.WeightedPrompt{}, err
	}
	r.forwardPromptsLocked(ctx)
	r.broadcastLocked(snapshotEnvelope(r.state))
	return prompt, nil
}

// RemovePrompt deletes a prompt if present
func (r *Room) RemovePrompt(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRoomNotFound
	}

	if err := r.state.RemovePrompt(id); err != nil {
		return err
	}
	r.forwardPromptsLocked(ctx)
	r.broadcastLocked(snapshotEnvelope(r.state))
	return nil
}

func (r *Room) forwardPromptsLocked(ctx context.Context) {
	prompts := r.promptsLocked()
	r.forwardLocked(func(s repositories.GenerationSession) error { return s.SetPrompts(ctx, prompts) })
}

func (r *Room) promptsLocked() []entities.WeightedPrompt {
	return append([]entities.WeightedPrompt{}, r.state.Prompts...)
}

// Playback applies a playback command. play opens a new session when the
// previous one ended; if that fails the playback state is left as it was.
func (r *Room) Playback(ctx context.Context, command string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}

	previous := r.state.PlaybackState
	if err := r.state.SetPlayback(command); err != nil {
		r.mu.Unlock()
		return err
	}
	if command == entities.CommandPlay && r.session == nil {
		r.mu.Unlock()
		return r.startPlayback(ctx, previous)
	}
	defer r.mu.Unlock()

	switch command {
	case entities.CommandPlay:
		r.forwardLocked(func(s repositories.GenerationSession) error { return s.Play(ctx) })
	case entities.CommandPause:
		r.forwardLocked(func(s repositories.GenerationSession) error { return s.Pause(ctx) })
	case entities.CommandStop:
		r.forwardLocked(func(s repositories.GenerationSession) error { return s.Stop(ctx) })
	case entities.CommandResetContext:
		r.forwardLocked(func(s repositories.GenerationSession) error { return s.ResetContext(ctx) })
	}

	r.broadcastLocked(snapshotEnvelope(r.state))
	return nil
}

// startPlayback opens a session for a play command. The new session picks up
// the playing state when it is brought up to date.
func (r *Room) startPlayback(ctx context.Context, previous entities.PlaybackState) error {
	err := r.EnsureSession(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRoomNotFound
	}
	if err != nil && r.session == nil && r.state.PlaybackState == entities.PlaybackPlaying {
		r.state.PlaybackState = previous
	}
	r.broadcastLocked(snapshotEnvelope(r.state))
	return err
}

// SetInteraction records which control role is touching and tells the other
// participant. It never touches the music configuration.
func (r *Room) SetInteraction(role entities.Role, controlID string, active bool) entities.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	participant := r.state.SetActiveControl(role, controlID, active)
	r.sendToLocked(role.Other(), presenceEnvelope(participant))
	return participant
}

// SendTo delivers an envelope to role only
func (r *Room) SendTo(role entities.Role, env domain.OutboundEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendToLocked(role, env)
}

// Close tears down the session, every queue and every pending timer
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, s := range r.slots {
		if s.grace != nil {
			s.grace.Stop()
		}
		if s.sink != nil {
			s.sink.Close()
		}
		*s = slot{}
	}
	if r.session != nil {
		r.stopPump()
		r.session.Close()
		r.session = nil
	}
	r.mu.Unlock()

	r.cancel()
	r.audio.Close()
	r.wg.Wait()
	r.logger.Info("Room closed")
}

func (r *Room) broadcastLocked(env domain.OutboundEnvelope) {
	msg, ok := r.encode(env)
	if !ok {
		return
	}
	for _, role := range entities.Roles {
		r.deliverLocked(role, msg)
	}
}

func (r *Room) sendToLocked(role entities.Role, env domain.OutboundEnvelope) {
	if msg, ok := r.encode(env); ok {
		r.deliverLocked(role, msg)
	}
}

func (r *Room) deliverLocked(role entities.Role, msg []byte) {
	s := r.slots[role]
	if s.sink == nil {
		return
	}
	if !s.sink.Deliver(msg) {
		r.logger.Warn("Control socket too slow, closing", zap.String("role", string(role)))
		s.sink.Close()
	}
}

func (r *Room) encode(env domain.OutboundEnvelope) ([]byte, bool) {
	msg, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("Failed to encode envelope", zap.String("type", env.Type), zap.Error(err))
		return nil, false
	}
	return msg, true
}

func snapshotEnvelope(state *entities.RoomState) domain.OutboundEnvelope {
	return domain.OutboundEnvelope{Type: domain.EventStateSnapshot, Payload: state.Clone()}
}

func presenceEnvelope(p entities.Participant) domain.OutboundEnvelope {
	return domain.OutboundEnvelope{
		Type: domain.EventPresenceUpdate,
		Payload: domain.PresencePayload{
			Role:          string(p.Role),
			Color:         p.Color,
			Connected:     p.Connected,
			ActiveControl: p.ActiveControl,
		},
	}
}
