package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/crtbridge/config"
)

// restoreGlobals puts the global providers and propagator back after the test.
func restoreGlobals(t *testing.T) {
	t.Helper()
	tp, mp, prop := otel.GetTracerProvider(), otel.GetMeterProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetMeterProvider(mp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabledConfig(name string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  name,
		SampleRate:   0.5,
	}
}

func shutdownQuickly(t *testing.T, p *Providers) {
	t.Cleanup(func() {
		// No collector is listening; the flush may fail but must return.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
}

func TestInit_DisabledHandsOutNoop(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(config.TelemetryConfig{Enabled: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, tpNoop := p.TracerProvider().(tracenoop.TracerProvider)
	_, mpNoop := p.MeterProvider().(metricnoop.MeterProvider)
	assert.True(t, tpNoop)
	assert.True(t, mpNoop)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_EnabledInstallsGlobals(t *testing.T) {
	restoreGlobals(t)

	p, err := Init(enabledConfig("crtbridge-test"), zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	assert.Same(t, p.tp, p.TracerProvider())
	assert.Same(t, p.mp, p.MeterProvider())
	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInit_SampleDecisionFollowsParent(t *testing.T) {
	restoreGlobals(t)

	cfg := enabledConfig("crtbridge-sampling")
	cfg.SampleRate = 0
	p, err := Init(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	shutdownQuickly(t, p)

	tracer := p.TracerProvider().Tracer("test")
	_, root := tracer.Start(context.Background(), "root")
	root.End()
	assert.False(t, root.SpanContext().IsSampled(), "rate 0 drops root streams")

	carrier := propagation.MapCarrier{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}
	parent := propagation.TraceContext{}.Extract(context.Background(), carrier)
	_, child := tracer.Start(parent, "child")
	child.End()
	assert.True(t, child.SpanContext().IsSampled(), "sampled callers stay sampled")
}

func TestProviders_NilIsNoop(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
	_, tpNoop := p.TracerProvider().(tracenoop.TracerProvider)
	_, mpNoop := p.MeterProvider().(metricnoop.MeterProvider)
	assert.True(t, tpNoop)
	assert.True(t, mpNoop)
}

func TestNew_WrapsProviders(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p := New(tp, mp)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := p.TracerProvider().Tracer("test").Start(context.Background(), "crtbridge.stream")
	span.End()
	require.Len(t, exporter.GetSpans(), 1)
	assert.Equal(t, "crtbridge.stream", exporter.GetSpans()[0].Name)

	counter, err := p.MeterProvider().Meter("test").Int64Counter("streams")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	sum, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	_, mpNoop := New(tp, nil).MeterProvider().(metricnoop.MeterProvider)
	assert.True(t, mpNoop)
}

func TestBuildVersion(t *testing.T) {
	// Test binaries report "(devel)" as the main module version.
	assert.Equal(t, "dev", buildVersion())
}
