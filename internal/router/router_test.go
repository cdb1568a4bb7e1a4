package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
	"github.com/satriahrh/lyeria/server/internal/room"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

type call struct {
	name string
	args []any
}

type fakeRoom struct {
	mu      sync.Mutex
	calls   []call
	sent    map[entities.Role][]domain.OutboundEnvelope
	dedup   *room.Deduper
	failure error
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		sent:  make(map[entities.Role][]domain.OutboundEnvelope),
		dedup: room.NewDeduper(room.DefaultOptions().DedupWindow),
	}
}

func (f *fakeRoom) record(name string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	return f.failure
}

func (f *fakeRoom) ID() string { return "room-1" }

func (f *fakeRoom) IsDuplicate(role entities.Role, eventID string) bool {
	return f.dedup.Seen(role, eventID)
}

func (f *fakeRoom) MarkHandled(role entities.Role, eventID string) {
	f.dedup.Record(role, eventID)
}

func (f *fakeRoom) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failure = err
}

func (f *fakeRoom) ApplyConfigPatch(ctx context.Context, patch entities.ConfigPatch) (entities.MusicConfig, error) {
	cfg, err := patch.Apply(entities.DefaultMusicConfig())
	if err != nil {
		return cfg, err
	}
	return cfg, f.record("config", cfg)
}

func (f *fakeRoom) AddPrompt(ctx context.Context, role entities.Role, text string, weight float64) (entities.WeightedPrompt, error) {
	return entities.WeightedPrompt{}, f.record("add", role, text, weight)
}

func (f *fakeRoom) UpdatePromptWeight(ctx context.Context, id string, weight float64) (entities.WeightedPrompt, error) {
	return entities.WeightedPrompt{}, f.record("weight", id, weight)
}

func (f *fakeRoom) RemovePrompt(ctx context.Context, id string) error {
	return f.record("remove", id)
}

func (f *fakeRoom) Playback(ctx context.Context, command string) error {
	return f.record("playback", command)
}

func (f *fakeRoom) SetInteraction(role entities.Role, controlID string, active bool) entities.Participant {
	f.record("interaction", role, controlID, active)
	return entities.Participant{Role: role}
}

func (f *fakeRoom) SendTo(role entities.Role, env domain.OutboundEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[role] = append(f.sent[role], env)
}

func (f *fakeRoom) errorsFor(role entities.Role) []domain.ErrorPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ErrorPayload
	for _, env := range f.sent[role] {
		if env.Type == domain.EventError {
			out = append(out, env.Payload.(domain.ErrorPayload))
		}
	}
	return out
}

type memoryJournal struct {
	mu      sync.Mutex
	entries []repositories.JournalEntry
}

func (j *memoryJournal) Append(ctx context.Context, entry repositories.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memoryJournal) List(ctx context.Context, roomID string, limit int) ([]repositories.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]repositories.JournalEntry{}, j.entries...), nil
}

func (j *memoryJournal) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, *memoryJournal) {
	journal := &memoryJournal{}
	return New(journal, telemetry.NewNopMetrics(), zaptest.NewLogger(t)), journal
}

func TestHandleDispatchesEachEventKind(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCall call
	}{
		{
			name:     "prompt add with weight",
			frame:    `{"type":"prompt.add","payload":{"text":"minimal techno","weight":1.5}}`,
			wantCall: call{name: "add", args: []any{entities.RoleA, "minimal techno", 1.5}},
		},
		{
			name:     "prompt add defaults weight",
			frame:    `{"type":"prompt.add","payload":{"text":"dub"}}`,
			wantCall: call{name: "add", args: []any{entities.RoleA, "dub", 1.0}},
		},
		{
			name:     "update weight by promptId",
			frame:    `{"type":"prompt.update_weight","payload":{"promptId":"p1","weight":-2}}`,
			wantCall: call{name: "weight", args: []any{"p1", -2.0}},
		},
		{
			name:     "update weight by id",
			frame:    `{"type":"prompt.update_weight","payload":{"id":"p2","weight":0.5}}`,
			wantCall: call{name: "weight", args: []any{"p2", 0.5}},
		},
		{
			name:     "remove",
			frame:    `{"type":"prompt.remove","payload":{"id":"p3"}}`,
			wantCall: call{name: "remove", args: []any{"p3"}},
		},
		{
			name:     "playback",
			frame:    `{"type":"playback.command","payload":{"command":"reset_context"}}`,
			wantCall: call{name: "playback", args: []any{"reset_context"}},
		},
		{
			name:     "interaction",
			frame:    `{"type":"control.interaction","payload":{"controlId":"bpm","active":true}}`,
			wantCall: call{name: "interaction", args: []any{entities.RoleA, "bpm", true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, _ := newTestRouter(t)
			r := newFakeRoom()

			outcome := rt.Handle(context.Background(), r, entities.RoleA, []byte(tt.frame))

			require.Equal(t, OutcomeAccepted, outcome)
			require.Equal(t, []call{tt.wantCall}, r.calls)
			require.Empty(t, r.errorsFor(entities.RoleA))
		})
	}
}

func TestHandleConfigPatchMergesIntoFullConfig(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "bare payload", frame: `{"type":"control.patch","payload":{"bpm":140}}`},
		{name: "payload wrapped in patch", frame: `{"type":"control.patch","payload":{"patch":{"bpm":140}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a router and a room
			rt, journal := newTestRouter(t)
			r := newFakeRoom()

			// When a config patch arrives in either shape
			outcome := rt.Handle(context.Background(), r, entities.RoleB, []byte(tt.frame))

			// Then the merged full config reaches the room
			require.Equal(t, OutcomeAccepted, outcome)
			want := entities.DefaultMusicConfig()
			want.BPM = 140
			require.Equal(t, []call{{name: "config", args: []any{want}}}, r.calls)
			require.Empty(t, r.errorsFor(entities.RoleB))
			require.Len(t, journal.entries, 1)
		})
	}
}

func TestHandleRejectsToSenderOnly(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode string
	}{
		{name: "not json", frame: `nope`, wantCode: "malformed_event"},
		{name: "missing type", frame: `{"payload":{}}`, wantCode: "malformed_event"},
		{name: "unknown type", frame: `{"type":"prompt.rename","payload":{}}`, wantCode: "malformed_event"},
		{name: "missing payload", frame: `{"type":"prompt.add"}`, wantCode: "malformed_event"},
		{name: "empty text", frame: `{"type":"prompt.add","payload":{"text":""}}`, wantCode: "malformed_event"},
		{name: "missing weight", frame: `{"type":"prompt.update_weight","payload":{"id":"p1"}}`, wantCode: "malformed_event"},
		{name: "missing prompt id", frame: `{"type":"prompt.remove","payload":{}}`, wantCode: "malformed_event"},
		{name: "bad command", frame: `{"type":"playback.command","payload":{"command":"rewind"}}`, wantCode: "malformed_event"},
		{name: "unknown config key", frame: `{"type":"control.patch","payload":{"tempo":120}}`, wantCode: "malformed_event"},
		{name: "config out of range", frame: `{"type":"control.patch","payload":{"bpm":20}}`, wantCode: "invalid_config"},
		{name: "missing control id", frame: `{"type":"control.interaction","payload":{"active":true}}`, wantCode: "malformed_event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, journal := newTestRouter(t)
			r := newFakeRoom()

			outcome := rt.Handle(context.Background(), r, entities.RoleA, []byte(tt.frame))

			require.Equal(t, OutcomeRejected, outcome)
			errs := r.errorsFor(entities.RoleA)
			require.Len(t, errs, 1)
			require.Equal(t, tt.wantCode, errs[0].Code)
			require.Empty(t, r.sent[entities.RoleB])
			require.Empty(t, journal.entries)
		})
	}
}

func TestHandleUnknownPromptNotifiesSender(t *testing.T) {
	rt, journal := newTestRouter(t)
	r := newFakeRoom()
	r.failure = domain.ErrUnknownPrompt

	outcome := rt.Handle(context.Background(), r, entities.RoleB, []byte(`{"type":"prompt.remove","payload":{"id":"gone"}}`))

	require.Equal(t, OutcomeRejected, outcome)
	errs := r.errorsFor(entities.RoleB)
	require.Len(t, errs, 1)
	require.Equal(t, "unknown_prompt", errs[0].Code)
	require.Equal(t, map[string]string{"promptId": "gone"}, errs[0].Details)
	require.Empty(t, journal.entries)
}

func TestHandleDropsDuplicateEventIDs(t *testing.T) {
	rt, journal := newTestRouter(t)
	r := newFakeRoom()
	frame := []byte(`{"type":"prompt.add","eventId":"evt-1","payload":{"text":"ambient"}}`)

	require.Equal(t, OutcomeAccepted, rt.Handle(context.Background(), r, entities.RoleA, frame))
	require.Equal(t, OutcomeDuplicate, rt.Handle(context.Background(), r, entities.RoleA, frame))
	require.Equal(t, OutcomeAccepted, rt.Handle(context.Background(), r, entities.RoleB, frame))

	require.Len(t, r.calls, 2)
	require.Len(t, journal.entries, 2)
}

func TestHandleRetryAfterRejectionIsApplied(t *testing.T) {
	// Given an event the room rejects the first time
	rt, journal := newTestRouter(t)
	r := newFakeRoom()
	r.setFailure(domain.ErrUpstreamUnavailable)
	frame := []byte(`{"type":"playback.command","eventId":"evt-7","payload":{"command":"play"}}`)

	first := rt.Handle(context.Background(), r, entities.RoleA, frame)

	// When the client retries with the same event id after recovery
	r.setFailure(nil)
	retry := rt.Handle(context.Background(), r, entities.RoleA, frame)
	again := rt.Handle(context.Background(), r, entities.RoleA, frame)

	// Then the retry is applied and only later copies are duplicates
	require.Equal(t, OutcomeRejected, first)
	require.Equal(t, OutcomeAccepted, retry)
	require.Equal(t, OutcomeDuplicate, again)
	require.Len(t, r.calls, 2)
	require.Len(t, journal.entries, 1)
}

func TestHandleMalformedEventDoesNotConsumeEventID(t *testing.T) {
	rt, _ := newTestRouter(t)
	r := newFakeRoom()

	bad := []byte(`{"type":"prompt.add","eventId":"evt-8","payload":{"text":""}}`)
	good := []byte(`{"type":"prompt.add","eventId":"evt-8","payload":{"text":"dub"}}`)

	require.Equal(t, OutcomeRejected, rt.Handle(context.Background(), r, entities.RoleA, bad))
	require.Equal(t, OutcomeAccepted, rt.Handle(context.Background(), r, entities.RoleA, good))
}

func TestHandlePingIsIgnored(t *testing.T) {
	rt, journal := newTestRouter(t)
	r := newFakeRoom()

	require.Equal(t, OutcomeIgnored, rt.Handle(context.Background(), r, entities.RoleA, []byte(`{"type":"ping"}`)))
	require.Empty(t, r.calls)
	require.Empty(t, journal.entries)
}

func TestHandleJournalsAcceptedEvents(t *testing.T) {
	rt, journal := newTestRouter(t)
	r := newFakeRoom()

	rt.Handle(context.Background(), r, entities.RoleA, []byte(`{"type":"control.interaction","payload":{"controlId":"bpm","active":true}}`))
	rt.Handle(context.Background(), r, entities.RoleA, []byte(`{"type":"playback.command","eventId":"e9","payload":{"command":"play"}}`))

	require.Len(t, journal.entries, 1)
	entry := journal.entries[0]
	require.Equal(t, "room-1", entry.RoomID)
	require.Equal(t, entities.RoleA, entry.Role)
	require.Equal(t, domain.EventPlaybackCommand, entry.Type)
	require.Equal(t, "e9", entry.EventID)
	require.JSONEq(t, `{"command":"play"}`, string(entry.Payload))
}

func TestHandleWithoutJournal(t *testing.T) {
	rt := New(nil, nil, zaptest.NewLogger(t))
	r := newFakeRoom()

	outcome := rt.Handle(context.Background(), r, entities.RoleA, []byte(`{"type":"playback.command","payload":{"command":"pause"}}`))
	require.Equal(t, OutcomeAccepted, outcome)
	require.Equal(t, []call{{name: "playback", args: []any{"pause"}}}, r.calls)
}
