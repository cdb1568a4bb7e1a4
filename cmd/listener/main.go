package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain"
	"github.com/satriahrh/lyeria/server/domain/entities"
	"github.com/satriahrh/lyeria/server/internal/playout"
)

const (
	renderTick   = 20 * time.Millisecond
	spectrumTick = time.Second
	bands        = 8
)

func main() {
	var (
		server   string
		roomID   string
		role     string
		prompt   string
		play     bool
		duration time.Duration
		outPath  string
	)
	flag.StringVar(&server, "server", "http://localhost:8080", "Room server base URL")
	flag.StringVar(&roomID, "room", "", "Join an existing room instead of creating one")
	flag.StringVar(&role, "role", "", "Preferred role, A or B")
	flag.StringVar(&prompt, "prompt", "", "Prompt to add after joining")
	flag.BoolVar(&play, "play", true, "Send a play command after joining")
	flag.DurationVar(&duration, "duration", 15*time.Second, "How long to listen")
	flag.StringVar(&outPath, "out", "listener.wav", "WAV file for the played out audio")
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := run(logger, server, roomID, role, prompt, play, duration, outPath); err != nil {
		logger.Fatal("Listener failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, server, roomID, role, prompt string, play bool, duration time.Duration, outPath string) error {
	client, err := newAPIClient(server)
	if err != nil {
		return err
	}

	if roomID == "" {
		created, err := client.createRoom()
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		roomID = created.RoomID
		logger.Info("Room created", zap.String("roomID", roomID), zap.String("joinUrl", created.JoinURL))
	}

	joined, err := client.joinRoom(roomID, role)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	logger.Info("Joined room", zap.String("roomID", roomID), zap.String("role", string(joined.Role)))

	control, err := client.dial(joined, "control")
	if err != nil {
		return err
	}
	defer control.Close()
	audioConn, err := client.dial(joined, "audio")
	if err != nil {
		return err
	}
	defer audioConn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	go readControl(control, logger)

	format, err := readAudioFormat(audioConn)
	if err != nil {
		return err
	}
	engine, err := playout.NewEngine(format, playout.Options{}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	// the command line invocation is the user gesture
	if err := engine.Activate(); err != nil {
		return err
	}
	go readAudio(audioConn, engine, logger)

	if prompt != "" {
		if err := sendEvent(control, domain.EventPromptAdd, map[string]any{"text": prompt}); err != nil {
			return err
		}
	}
	if play {
		if err := sendEvent(control, domain.EventPlaybackCommand, map[string]any{"command": entities.CommandPlay}); err != nil {
			return err
		}
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer out.Close()
	encoder := wav.NewEncoder(out, format.SampleRateHz, 16, format.Channels, 1)

	if err := playoutLoop(ctx, engine, encoder, format, logger); err != nil {
		encoder.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}

	control.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	audioConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	stats := engine.Stats()
	logger.Info("Listener finished",
		zap.String("wav", outPath),
		zap.Uint64("framesDecoded", stats.DecodedFrames),
		zap.Uint64("framesRendered", stats.FramesRendered),
		zap.Uint64("underruns", stats.Underruns),
		zap.Uint64("droppedBlocks", stats.DroppedBlocks))
	return nil
}

// playoutLoop renders one tick of audio at real time, writes it to the
// encoder and logs a coarse spectrum every second
func playoutLoop(ctx context.Context, engine *playout.Engine, encoder *wav.Encoder, format entities.AudioFormat, logger *zap.Logger) error {
	frames := int(int64(format.SampleRateHz) * int64(renderTick) / int64(time.Second))
	block := make([]float32, frames*format.Channels)
	pcm := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRateHz},
		Data:           make([]int, len(block)),
		SourceBitDepth: 16,
	}

	ticker := time.NewTicker(renderTick)
	defer ticker.Stop()
	spectrum := time.NewTicker(spectrumTick)
	defer spectrum.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			engine.Render(block)
			for i, v := range block {
				pcm.Data[i] = int(math.Max(-32768, math.Min(32767, float64(v)*32768)))
			}
			if err := encoder.Write(pcm); err != nil {
				return fmt.Errorf("write wav: %w", err)
			}
		case <-spectrum.C:
			logger.Info("Spectrum", zap.String("bands", renderBands(engine.FrequencyData())))
		}
	}
}

// renderBands folds magnitude bins into a few log spaced bands drawn as bars
func renderBands(bins []float64) string {
	levels := " .:-=+*#%@"
	var b strings.Builder
	lo := 1
	for i := 0; i < bands; i++ {
		hi := int(math.Pow(float64(len(bins)), float64(i+1)/bands))
		if hi <= lo {
			hi = lo + 1
		}
		if hi > len(bins) {
			hi = len(bins)
		}
		var peak float64
		for _, v := range bins[min(lo, hi):hi] {
			peak = math.Max(peak, v)
		}
		// map roughly -60..0 dB onto the level characters
		db := 20 * math.Log10(peak+1e-9)
		idx := int((db + 60) / 60 * float64(len(levels)-1))
		idx = max(0, min(len(levels)-1, idx))
		b.WriteByte(levels[idx])
		lo = hi
	}
	return b.String()
}

func readAudioFormat(conn *websocket.Conn) (entities.AudioFormat, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var env struct {
		Type    string               `json:"type"`
		Payload entities.AudioFormat `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		return entities.AudioFormat{}, fmt.Errorf("read audio format: %w", err)
	}
	if env.Type != domain.EventAudioFormat {
		return entities.AudioFormat{}, fmt.Errorf("expected %s, got %s", domain.EventAudioFormat, env.Type)
	}
	return env.Payload, nil
}

func readAudio(conn *websocket.Conn, engine *playout.Engine, logger *zap.Logger) {
	for {
		messageType, chunk, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Audio socket closed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := engine.Enqueue(chunk); err != nil {
			logger.Warn("Dropping audio chunk", zap.Error(err))
		}
	}
}

func readControl(conn *websocket.Conn, logger *zap.Logger) {
	for {
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("Control socket closed", zap.Error(err))
			}
			return
		}

		switch env.Type {
		case domain.EventStateSnapshot:
			var state entities.RoomState
			if err := json.Unmarshal(env.Payload, &state); err == nil {
				logger.Info("State",
					zap.String("playback", string(state.PlaybackState)),
					zap.Int("prompts", len(state.Prompts)),
					zap.Int("bpm", state.MusicConfig.BPM))
			}
		case domain.EventPresenceUpdate:
			var presence domain.PresencePayload
			if err := json.Unmarshal(env.Payload, &presence); err == nil {
				logger.Info("Presence", zap.String("role", presence.Role), zap.Bool("connected", presence.Connected))
			}
		case domain.EventError:
			var payload domain.ErrorPayload
			if err := json.Unmarshal(env.Payload, &payload); err == nil {
				logger.Warn("Server error", zap.String("code", payload.Code), zap.String("message", payload.Message))
			}
		}
	}
}

func sendEvent(conn *websocket.Conn, eventType string, payload any) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(map[string]any{"type": eventType, "payload": payload})
}
