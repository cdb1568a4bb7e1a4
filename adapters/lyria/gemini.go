package lyria

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/domain/repositories"
)

const (
	// Time allowed to write one control message upstream.
	writeWait = 10 * time.Second

	// Time allowed for the upstream to acknowledge setup.
	setupWait = 10 * time.Second

	// Upstream frames carry base64 audio, so they run well past a chunk.
	maxUpstreamMessageSize = 4 << 20
)

// Playback controls understood by the upstream
const (
	controlPlay         = "PLAY"
	controlPause        = "PAUSE"
	controlStop         = "STOP"
	controlResetContext = "RESET_CONTEXT"
)

// GeminiGenerator opens Lyria realtime sessions over the Gemini
// BidiGenerateMusic websocket
type GeminiGenerator struct {
	endpoint string
	apiKey   string
	model    string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

var _ repositories.MusicGenerator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a new Gemini live music generator
func NewGeminiGenerator(endpoint, apiKey, model string, logger *zap.Logger) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid live music endpoint: %w", err)
	}

	return &GeminiGenerator{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		dialer: &websocket.Dialer{
			HandshakeTimeout: setupWait,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger: logger,
	}, nil
}

// Open dials the upstream, sends the setup message and waits for it to be
// acknowledged
func (g *GeminiGenerator) Open(ctx context.Context) (repositories.GenerationSession, error) {
	u, err := url.Parse(g.endpoint)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("key", g.apiKey)
	u.RawQuery = query.Encode()

	conn, _, err := g.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial live music: %v", domain.ErrUpstreamUnavailable, err)
	}
	conn.SetReadLimit(maxUpstreamMessageSize)

	if err := setup(conn, g.model); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	s := newGeminiSession(conn, g.logger)
	go s.receiveLoop()
	g.logger.Info("Gemini live music session opened", zap.String("model", g.model))
	return s, nil
}

func setup(stream musicStream, model string) error {
	stream.SetWriteDeadline(time.Now().Add(writeWait))
	if err := stream.WriteJSON(clientMessage{Setup: &setupMessage{Model: model}}); err != nil {
		return fmt.Errorf("send setup: %w", err)
	}

	stream.SetReadDeadline(time.Now().Add(setupWait))
	defer stream.SetReadDeadline(time.Time{})
	for {
		var msg serverMessage
		if err := stream.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await setup complete: %w", err)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// musicStream is the subset of a websocket connection used by GeminiSession
type musicStream interface {
	WriteJSON(v any) error
	WriteMessage(messageType int, data []byte) error
	ReadJSON(v any) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type clientMessage struct {
	Setup                 *setupMessage          `json:"setup,omitempty"`
	ClientContent         *clientContent         `json:"clientContent,omitempty"`
	MusicGenerationConfig *musicGenerationConfig `json:"musicGenerationConfig,omitempty"`
	PlaybackControl       string                 `json:"playbackControl,omitempty"`
}

type setupMessage struct {
	Model string `json:"model"`
}

type clientContent struct {
	WeightedPrompts []weightedPrompt `json:"weightedPrompts"`
}

type weightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type musicGenerationConfig struct {
	Guidance            float64 `json:"guidance"`
	BPM                 int     `json:"bpm"`
	Density             float64 `json:"density"`
	Brightness          float64 `json:"brightness"`
	Scale               string  `json:"scale"`
	MuteBass            bool    `json:"muteBass"`
	MuteDrums           bool    `json:"muteDrums"`
	OnlyBassAndDrums    bool    `json:"onlyBassAndDrums"`
	MusicGenerationMode string  `json:"musicGenerationMode"`
	Temperature         float64 `json:"temperature"`
	TopK                int     `json:"topK"`
	Seed                *int    `json:"seed,omitempty"`
}

type serverMessage struct {
	SetupComplete  *struct{}       `json:"setupComplete,omitempty"`
	ServerContent  *serverContent  `json:"serverContent,omitempty"`
	FilteredPrompt *filteredPrompt `json:"filteredPrompt,omitempty"`
}

type serverContent struct {
	AudioChunks []audioChunk `json:"audioChunks"`
}

// audioChunk data arrives base64 encoded; encoding/json decodes it into bytes
type audioChunk struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
}

type filteredPrompt struct {
	Text           string `json:"text"`
	FilteredReason string `json:"filteredReason"`
}

// GeminiSession adapts one live music connection to repositories.GenerationSession
type GeminiSession struct {
	stream musicStream
	logger *zap.Logger

	// websocket connections accept one writer at a time
	sendMu sync.Mutex

	chunks    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

var _ repositories.GenerationSession = (*GeminiSession)(nil)

func newGeminiSession(stream musicStream, logger *zap.Logger) *GeminiSession {
	return &GeminiSession{
		stream: stream,
		logger: logger,
		chunks: make(chan []byte, defaultChunkBuffer*2),
		done:   make(chan struct{}),
	}
}

func (s *GeminiSession) receiveLoop() {
	defer close(s.chunks)

	for {
		var msg serverMessage
		if err := s.stream.ReadJSON(&msg); err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Error("Gemini receive loop failed", zap.Error(err))
				s.setErr(fmt.Errorf("%w: %v", domain.ErrSessionClosed, err))
			}
			return
		}

		if msg.FilteredPrompt != nil {
			s.logger.Warn("Upstream filtered a prompt",
				zap.String("text", msg.FilteredPrompt.Text),
				zap.String("reason", msg.FilteredPrompt.FilteredReason))
		}
		if msg.ServerContent == nil {
			continue
		}
		for _, chunk := range msg.ServerContent.AudioChunks {
			if len(chunk.Data) == 0 {
				continue
			}
			select {
			case s.chunks <- chunk.Data:
			case <-s.done:
				return
			}
		}
	}
}

// SetPrompts implements repositories.GenerationSession
func (s *GeminiSession) SetPrompts(ctx context.Context, prompts []entities.WeightedPrompt) error {
	weighted := lo.Map(prompts, func(p entities.WeightedPrompt, _ int) weightedPrompt {
		return weightedPrompt{Text: p.Text, Weight: p.Weight}
	})
	if len(weighted) == 0 {
		weighted = []weightedPrompt{{Text: placeholderPrompt, Weight: 1.0}}
	}
	return s.send(clientMessage{ClientContent: &clientContent{WeightedPrompts: weighted}})
}

// SetConfig implements repositories.GenerationSession
func (s *GeminiSession) SetConfig(ctx context.Context, cfg entities.MusicConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.send(clientMessage{MusicGenerationConfig: toGenerationConfig(cfg)})
}

func toGenerationConfig(cfg entities.MusicConfig) *musicGenerationConfig {
	return &musicGenerationConfig{
		Guidance:            cfg.Guidance,
		BPM:                 cfg.BPM,
		Density:             cfg.Density,
		Brightness:          cfg.Brightness,
		Scale:               string(cfg.Scale),
		MuteBass:            cfg.MuteBass,
		MuteDrums:           cfg.MuteDrums,
		OnlyBassAndDrums:    cfg.OnlyBassAndDrums,
		MusicGenerationMode: string(cfg.MusicGenerationMode),
		Temperature:         cfg.Temperature,
		TopK:                cfg.TopK,
		Seed:                cfg.Clone().Seed,
	}
}

// Play implements repositories.GenerationSession
func (s *GeminiSession) Play(ctx context.Context) error {
	return s.send(clientMessage{PlaybackControl: controlPlay})
}

// Pause implements repositories.GenerationSession
func (s *GeminiSession) Pause(ctx context.Context) error {
	return s.send(clientMessage{PlaybackControl: controlPause})
}

// Stop implements repositories.GenerationSession
func (s *GeminiSession) Stop(ctx context.Context) error {
	return s.send(clientMessage{PlaybackControl: controlStop})
}

// ResetContext implements repositories.GenerationSession
func (s *GeminiSession) ResetContext(ctx context.Context) error {
	return s.send(clientMessage{PlaybackControl: controlResetContext})
}

func (s *GeminiSession) send(msg clientMessage) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	if err := s.Err(); err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.stream.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.stream.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSessionClosed, err)
	}
	return nil
}

// Chunks implements repositories.GenerationSession
func (s *GeminiSession) Chunks() <-chan []byte {
	return s.chunks
}

// Err implements repositories.GenerationSession
func (s *GeminiSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *GeminiSession) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Fallback implements repositories.GenerationSession
func (s *GeminiSession) Fallback() error {
	return nil
}

// Close implements repositories.GenerationSession
func (s *GeminiSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		s.stream.SetWriteDeadline(time.Now().Add(writeWait))
		s.stream.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.sendMu.Unlock()
		err = s.stream.Close()
	})
	return err
}
