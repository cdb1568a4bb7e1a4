package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// SentryFlushTimeout bounds how long shutdown waits for queued events
const SentryFlushTimeout = 2 * time.Second

// FaultReporter receives room level faults that were recovered from
type FaultReporter interface {
	ReportFault(roomID string, err error)
}

// InitSentry configures the global Sentry client. It returns false when no
// DSN is configured.
func InitSentry(dsn, environment, release string, logger *zap.Logger) (bool, error) {
	if dsn == "" {
		logger.Info("Sentry not configured (SENTRY_DSN not set)")
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
		Debug:            environment == "development",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			// join tokens travel in the query string
			if event.Request != nil {
				event.Request.QueryString = ""
			}
			return event
		},
	})
	if err != nil {
		return false, err
	}
	logger.Info("Sentry initialized", zap.String("environment", environment), zap.String("release", release))
	return true, nil
}

// LogReporter logs faults and, when enabled, sends them to Sentry
type LogReporter struct {
	logger *zap.Logger
	sentry bool
}

// NewFaultReporter creates a reporter; sentryEnabled follows InitSentry
func NewFaultReporter(logger *zap.Logger, sentryEnabled bool) *LogReporter {
	return &LogReporter{logger: logger, sentry: sentryEnabled}
}

// ReportFault implements FaultReporter
func (r *LogReporter) ReportFault(roomID string, err error) {
	r.logger.Error("Room fault", zap.String("roomID", roomID), zap.Error(err))
	if !r.sentry {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("room_id", roomID)
		sentry.CaptureException(err)
	})
}
