package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

// JoinResult is returned to a participant that obtained a role
type JoinResult struct {
	RoomID string        `json:"roomId"`
	Role   entities.Role `json:"role"`
	Token  string        `json:"token"`
}

type nopFaults struct{}

func (nopFaults) ReportFault(string, error) {}

// Manager owns every live room. Rooms never share state; the manager lock
// only guards the index.
type Manager struct {
	opts      Options
	tokens    *auth.TokenService
	generator repositories.MusicGenerator
	metrics   *telemetry.Metrics
	faults    telemetry.FaultReporter
	logger    *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewManager creates a new room manager
func NewManager(
	opts Options,
	tokens *auth.TokenService,
	generator repositories.MusicGenerator,
	metrics *telemetry.Metrics,
	faults telemetry.FaultReporter,
	logger *zap.Logger,
) *Manager {
	if faults == nil {
		faults = nopFaults{}
	}
	return &Manager{
		opts:      opts,
		tokens:    tokens,
		generator: generator,
		metrics:   metrics,
		faults:    faults,
		logger:    logger,
		rooms:     make(map[string]*Room),
	}
}

// CreateRoom creates an empty room
func (m *Manager) CreateRoom() *Room {
	r := newRoom(uuid.NewString(), m.opts, m.generator, m.metrics, m.faults, m.logger)

	m.mu.Lock()
	m.rooms[r.ID()] = r
	m.mu.Unlock()

	m.metrics.RoomOpened()
	m.logger.Info("Room created", zap.String("roomID", r.ID()))
	return r
}

// Get returns a live room
func (m *Manager) Get(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, roomID)
	}
	return r, nil
}

// JoinRoom reserves a role and issues a token for it. preferred may be
// empty. Concurrent joins never receive the same role.
func (m *Manager) JoinRoom(roomID string, preferred entities.Role) (JoinResult, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return JoinResult{}, err
	}
	if preferred != "" {
		if _, ok := entities.ParseRole(string(preferred)); !ok {
			preferred = ""
		}
	}

	role, slotID, err := r.reserve(preferred, time.Now().UTC())
	if err != nil {
		return JoinResult{}, err
	}
	token, _, err := m.tokens.Issue(roomID, role, slotID)
	if err != nil {
		return JoinResult{}, fmt.Errorf("failed to issue token: %w", err)
	}
	return JoinResult{RoomID: roomID, Role: role, Token: token}, nil
}

// Snapshot returns the canonical state of a room
func (m *Manager) Snapshot(roomID string) (entities.RoomState, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return entities.RoomState{}, err
	}
	return r.Snapshot(), nil
}

// Authorize verifies a join token against a live room
func (m *Manager) Authorize(roomID, token string) (*Room, *auth.RoomClaims, error) {
	r, err := m.Get(roomID)
	if err != nil {
		return nil, nil, err
	}
	claims, err := m.tokens.Verify(token, roomID)
	if err != nil {
		return nil, nil, err
	}
	return r, claims, nil
}

// ReapIdle closes rooms that stayed empty past the idle timeout
func (m *Manager) ReapIdle(now time.Time) int {
	m.mu.RLock()
	var idle []*Room
	for _, r := range m.rooms {
		if r.reapable(now) {
			idle = append(idle, r)
		}
	}
	m.mu.RUnlock()

	for _, r := range idle {
		m.remove(r)
	}
	return len(idle)
}

func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	if m.rooms[r.ID()] != r {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, r.ID())
	m.mu.Unlock()

	r.Close()
	m.metrics.RoomClosed()
	m.logger.Info("Closed idle room", zap.String("roomID", r.ID()))
}

// Len returns the number of live rooms
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// CloseAll closes every room
func (m *Manager) CloseAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			r.Close()
			m.metrics.RoomClosed()
		}(r)
	}
	wg.Wait()
}
