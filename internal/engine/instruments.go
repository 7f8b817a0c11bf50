package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// =============================================================================
// 📏 OTel 指标
// =============================================================================

// instruments holds the engine's OpenTelemetry measurements. They record
// nothing unless the MeterProvider has a reader attached.
type instruments struct {
	streamDuration metric.Float64Histogram
	bodyBytes      metric.Int64Counter
	activeConns    metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider, logger *zap.Logger) *instruments {
	m := mp.Meter(tracerName)
	fallback := noop.Meter{}

	duration, err := m.Float64Histogram("crtbridge.engine.stream.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Request stream duration from headers to completion"))
	if err != nil {
		logger.Warn("stream duration instrument unavailable", zap.Error(err))
		duration, _ = fallback.Float64Histogram("")
	}

	body, err := m.Int64Counter("crtbridge.engine.stream.body_bytes",
		metric.WithUnit("By"),
		metric.WithDescription("Request body bytes delivered to streams"))
	if err != nil {
		logger.Warn("body bytes instrument unavailable", zap.Error(err))
		body, _ = fallback.Int64Counter("")
	}

	active, err := m.Int64UpDownCounter("crtbridge.engine.connections.active",
		metric.WithDescription("Connections accepted and not yet shut down"))
	if err != nil {
		logger.Warn("active connections instrument unavailable", zap.Error(err))
		active, _ = fallback.Int64UpDownCounter("")
	}

	return &instruments{streamDuration: duration, bodyBytes: body, activeConns: active}
}

func (in *instruments) streamCompleted(ctx context.Context, method string, code ErrorCode, took time.Duration, bodyBytes int64) {
	attrs := metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("crtbridge.error_code", code.String()),
	)
	in.streamDuration.Record(ctx, took.Seconds(), attrs)
	if bodyBytes > 0 {
		in.bodyBytes.Add(ctx, bodyBytes, attrs)
	}
}

func (in *instruments) connectionOpened(ctx context.Context) {
	in.activeConns.Add(ctx, 1)
}

func (in *instruments) connectionClosed(ctx context.Context) {
	in.activeConns.Add(ctx, -1)
}
