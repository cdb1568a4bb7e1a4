package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/lyeria/server/adapters/lyria"
	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/internal/auth"
	"github.com/satriahrh/lyeria/server/internal/room"
	"github.com/satriahrh/lyeria/server/internal/router"
	"github.com/satriahrh/lyeria/server/internal/telemetry"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	manager *room.Manager
	server  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tokens, err := auth.NewTokenService("test-secret", time.Hour)
	require.NoError(t, err)

	metrics := telemetry.NewNopMetrics()
	generator := lyria.NewMockGenerator(5*time.Millisecond, logger)
	manager := room.NewManager(room.DefaultOptions(), tokens, generator, metrics, nil, logger)
	hub := NewHub(router.New(nil, metrics, logger), metrics, nil, room.DefaultOptions().HeartbeatTimeout, logger)

	mux := http.NewServeMux()
	serve := func(fn func(http.ResponseWriter, *http.Request, *room.Room, *auth.RoomClaims) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rm, claims, err := manager.Authorize(r.URL.Query().Get("room"), r.URL.Query().Get("token"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if err := fn(w, r, rm, claims); err != nil && !errors.Is(err, websocket.ErrBadHandshake) {
				t.Logf("serve: %v", err)
			}
		}
	}
	mux.HandleFunc("/control", serve(hub.ServeControl))
	mux.HandleFunc("/audio", serve(hub.ServeAudio))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		manager.CloseAll()
		srv.Close()
	})
	return &testServer{manager: manager, server: srv}
}

func (s *testServer) dial(t *testing.T, path string, joined room.JoinResult) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + path + "?room=" + joined.RoomID + "&token=" + joined.Token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) join(t *testing.T, roomID string) room.JoinResult {
	t.Helper()
	joined, err := s.manager.JoinRoom(roomID, "")
	require.NoError(t, err)
	return joined
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	var f frame
	require.NoError(t, json.Unmarshal(msg, &f))
	return f
}

// readUntil skips frames until one of typ arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		if f := readFrame(t, conn); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return frame{}
}

func TestControlSocketsConvergeOnCanonicalState(t *testing.T) {
	// Given two participants connected to one room
	s := newTestServer(t)
	r := s.manager.CreateRoom()
	connA := s.dial(t, "/control", s.join(t, r.ID()))
	first := readFrame(t, connA)
	require.Equal(t, domain.EventStateSnapshot, first.Type)

	connB := s.dial(t, "/control", s.join(t, r.ID()))
	require.Equal(t, domain.EventStateSnapshot, readFrame(t, connB).Type)

	// When A adds a prompt
	require.NoError(t, connA.WriteJSON(map[string]any{
		"type":    domain.EventPromptAdd,
		"payload": map[string]any{"text": "minimal techno", "weight": 1.0},
	}))

	// Then both receive a snapshot carrying the server assigned prompt
	var states []entities.RoomState
	for _, conn := range []*websocket.Conn{connA, connB} {
		for {
			f := readUntil(t, conn, domain.EventStateSnapshot)
			var state entities.RoomState
			require.NoError(t, json.Unmarshal(f.Payload, &state))
			if len(state.Prompts) == 1 {
				states = append(states, state)
				break
			}
		}
	}
	require.Equal(t, states[0].Prompts, states[1].Prompts)
	require.NotEmpty(t, states[0].Prompts[0].ID)
	require.Equal(t, 1.0, states[0].Prompts[0].Weight)
}

func TestMalformedEventOnlyReachesSender(t *testing.T) {
	s := newTestServer(t)
	r := s.manager.CreateRoom()
	connA := s.dial(t, "/control", s.join(t, r.ID()))
	readFrame(t, connA)
	connB := s.dial(t, "/control", s.join(t, r.ID()))
	readFrame(t, connB)

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte(`{"type":"prompt.add","payload":{"text":""}}`)))
	errFrame := readUntil(t, connA, domain.EventError)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Payload, &payload))
	require.Equal(t, "malformed_event", payload.Code)

	// the next frame B sees is the result of a valid event, not the error
	require.NoError(t, connA.WriteJSON(map[string]any{
		"type":    domain.EventPlaybackCommand,
		"payload": map[string]any{"command": "pause"},
	}))
	for {
		f := readFrame(t, connB)
		require.NotEqual(t, domain.EventError, f.Type)
		if f.Type == domain.EventStateSnapshot {
			break
		}
	}
}

func TestAudioSocketAnnouncesFormatThenStreamsPCM(t *testing.T) {
	s := newTestServer(t)
	r := s.manager.CreateRoom()
	joined := s.join(t, r.ID())
	control := s.dial(t, "/control", joined)
	readFrame(t, control)

	audio := s.dial(t, "/audio", joined)
	format := readFrame(t, audio)
	require.Equal(t, domain.EventAudioFormat, format.Type)
	var af entities.AudioFormat
	require.NoError(t, json.Unmarshal(format.Payload, &af))
	require.Equal(t, entities.StreamFormat, af)

	require.NoError(t, control.WriteJSON(map[string]any{
		"type":    domain.EventPlaybackCommand,
		"payload": map[string]any{"command": "play"},
	}))

	audio.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, chunk, err := audio.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)
	require.NotEmpty(t, chunk)
	require.Zero(t, len(chunk)%4)
}

func TestRoomCloseEndsAudioSocket(t *testing.T) {
	s := newTestServer(t)
	r := s.manager.CreateRoom()
	audio := s.dial(t, "/audio", s.join(t, r.ID()))
	readFrame(t, audio)

	s.manager.CloseAll()

	audio.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := audio.ReadMessage(); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			return
		}
	}
}

func TestInvalidTokenIsRejectedBeforeUpgrade(t *testing.T) {
	s := newTestServer(t)
	r := s.manager.CreateRoom()

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/control?room=" + r.ID() + "&token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no list allows all", origin: "https://evil.example", want: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", want: true},
		{name: "listed origin", allowed: []string{"https://app.example"}, origin: "https://app.example", want: true},
		{name: "unlisted origin", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "no origin header", allowed: []string{"https://app.example"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, checkOrigin(tt.allowed)(req))
		})
	}
}
