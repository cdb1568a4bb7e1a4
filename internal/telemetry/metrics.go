package telemetry

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"
)

const meterName = "github.com/satriahrh/lyeria/server"

// Metrics records room, socket and audio delivery counters. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	roomsActive       metric.Int64UpDownCounter
	socketsConnected  metric.Int64UpDownCounter
	controlEvents     metric.Int64Counter
	chunksBroadcast   metric.Int64Counter
	chunksDropped     metric.Int64Counter
	upstreamFallbacks metric.Int64Counter
	upstreamFailures  metric.Int64Counter
}

// NewMetrics sets up an OpenTelemetry meter backed by a Prometheus
// registry and returns the handler serving it.
func NewMetrics(serviceName, environment string, logger *zap.Logger) (*Metrics, http.Handler, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("deployment.environment", environment),
	)

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("Failed to initialize prometheus exporter", zap.Error(err))
		return NewNopMetrics(), nil, nil
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	m, err := newMetrics(provider.Meter(meterName))
	if err != nil {
		return nil, nil, err
	}
	m.provider = provider
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// NewNopMetrics returns metrics that discard every measurement
func NewNopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.roomsActive, err = meter.Int64UpDownCounter("lyeria.rooms.active",
		metric.WithDescription("Rooms currently alive")); err != nil {
		return nil, err
	}
	if m.socketsConnected, err = meter.Int64UpDownCounter("lyeria.sockets.connected",
		metric.WithDescription("Open control and audio sockets")); err != nil {
		return nil, err
	}
	if m.controlEvents, err = meter.Int64Counter("lyeria.control.events",
		metric.WithDescription("Control events received, by type and outcome")); err != nil {
		return nil, err
	}
	if m.chunksBroadcast, err = meter.Int64Counter("lyeria.audio.chunks.broadcast",
		metric.WithDescription("Audio chunks fanned out to subscribers")); err != nil {
		return nil, err
	}
	if m.chunksDropped, err = meter.Int64Counter("lyeria.audio.chunks.dropped",
		metric.WithDescription("Audio chunks dropped by full client queues")); err != nil {
		return nil, err
	}
	if m.upstreamFallbacks, err = meter.Int64Counter("lyeria.upstream.fallbacks",
		metric.WithDescription("Sessions opened on the mock because the upstream was unreachable")); err != nil {
		return nil, err
	}
	if m.upstreamFailures, err = meter.Int64Counter("lyeria.upstream.failures",
		metric.WithDescription("Generation sessions that failed mid-stream")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Shutdown flushes and stops the meter provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.roomsActive.Add(context.Background(), 1)
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.roomsActive.Add(context.Background(), -1)
	}
}

// SocketConnected counts an open socket; kind is "control" or "audio"
func (m *Metrics) SocketConnected(kind string) {
	if m != nil {
		m.socketsConnected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) SocketDisconnected(kind string) {
	if m != nil {
		m.socketsConnected.Add(context.Background(), -1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// ControlEvent counts one inbound control event
func (m *Metrics) ControlEvent(eventType, outcome string) {
	if m != nil {
		m.controlEvents.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", eventType),
			attribute.String("outcome", outcome),
		))
	}
}

// ChunkBroadcast implements broadcast.Observer
func (m *Metrics) ChunkBroadcast(subscribers int) {
	if m != nil && subscribers > 0 {
		m.chunksBroadcast.Add(context.Background(), int64(subscribers))
	}
}

// ChunkDropped implements broadcast.Observer
func (m *Metrics) ChunkDropped() {
	if m != nil {
		m.chunksDropped.Add(context.Background(), 1)
	}
}

func (m *Metrics) UpstreamFallback() {
	if m != nil {
		m.upstreamFallbacks.Add(context.Background(), 1)
	}
}

func (m *Metrics) UpstreamFailure() {
	if m != nil {
		m.upstreamFailures.Add(context.Background(), 1)
	}
}
