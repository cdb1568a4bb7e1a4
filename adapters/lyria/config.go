package lyria

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultModel           = "models/lyria-realtime-exp"
	defaultEndpoint        = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic"
	defaultConnectAttempts = 3
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultFrameDuration   = 20 * time.Millisecond
	defaultChunkBuffer     = 8

	// placeholderPrompt keeps the upstream steerable while the room has no prompts
	placeholderPrompt = "minimal techno"
)

// Config holds configuration for the generator adapters.
// Optional fields fall back to defaults when zero.
type Config struct {
	UseMock         bool          // Use the offline generator even when an API key is present
	APIKey          string        // Gemini API key; empty means mock
	Model           string        // Optional: upstream model name
	Endpoint        string        // Optional: live music websocket URL
	ConnectAttempts int           // Optional: bounded attempts before falling back to the mock
	RetryBackoff    time.Duration // Optional: base delay between attempts, doubled each retry
	FrameDuration   time.Duration // Optional: mock chunk length
}

// ValidateConfig validates the Config
func ValidateConfig(config Config) error {
	if config.ConnectAttempts < 0 {
		return fmt.Errorf("connect attempts must be positive, got %d", config.ConnectAttempts)
	}
	if config.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff must be positive, got %s", config.RetryBackoff)
	}
	if config.FrameDuration < 0 {
		return fmt.Errorf("frame duration must be positive, got %s", config.FrameDuration)
	}
	return nil
}

func withDefaults(config Config, logger *zap.Logger) Config {
	if config.Model == "" {
		config.Model = defaultModel
		logger.Info("Using default generator model", zap.String("model", config.Model))
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultEndpoint
	}
	if config.ConnectAttempts == 0 {
		config.ConnectAttempts = defaultConnectAttempts
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = defaultRetryBackoff
	}
	if config.FrameDuration == 0 {
		config.FrameDuration = defaultFrameDuration
	}
	return config
}
