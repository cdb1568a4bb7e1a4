package lyria

import (
	"go.uber.org/zap"

	"github.com/satriahrh/lyeria/server/domain/repositories"
)

// NewGenerator builds the generator used by rooms. Without an API key, or
// with UseMock set, it is the offline mock. Otherwise it is the Gemini live
// music generator guarded by a bounded retry that degrades to the mock.
func NewGenerator(config Config, logger *zap.Logger) (repositories.MusicGenerator, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	config = withDefaults(config, logger)
	mock := NewMockGenerator(config.FrameDuration, logger)

	if config.UseMock || config.APIKey == "" {
		logger.Info("Using mock music generator")
		return mock, nil
	}

	gemini, err := NewGeminiGenerator(config.Endpoint, config.APIKey, config.Model, logger)
	if err != nil {
		logger.Warn("Gemini live music unavailable, using mock music generator", zap.Error(err))
		return mock, nil
	}

	logger.Info("Using Gemini live music generator", zap.String("model", config.Model))
	return NewFallbackGenerator(gemini, mock, config.ConnectAttempts, config.RetryBackoff, logger), nil
}
