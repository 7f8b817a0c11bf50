// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。零值不可用；nil *Collector 的所有 Record 方法均为空操作。
type Collector struct {
	// 服务端生命周期指标
	serversCreated   *prometheus.CounterVec
	serversDestroyed *prometheus.CounterVec
	serversLive      prometheus.Gauge

	// 连接指标
	connectionsTotal  *prometheus.CounterVec
	connectionsActive prometheus.Gauge

	// 流指标
	streamsTotal   *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
	bodyBytes      *prometheus.CounterVec

	// 回调与托管运行时指标
	callbackFailures *prometheus.CounterVec
	unraisableTotal  prometheus.Counter
	handlesLive      prometheus.Gauge

	// 演示应用 HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	registry *prometheus.Registry
}

// WithRegistry registers the collector's metrics on reg instead of the
// process-wide default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if o.registry != nil {
		reg, gatherer = o.registry, o.registry
	}
	factory := promauto.With(reg)

	c := &Collector{
		gatherer: gatherer,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// 服务端生命周期指标
	c.serversCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_created_total",
			Help:      "Total number of server create attempts",
		},
		[]string{"result"},
	)

	c.serversDestroyed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "servers_destroyed_total",
			Help:      "Total number of server backing structs freed, by the path that freed them",
		},
		[]string{"freed_by"},
	)

	c.serversLive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers_live",
			Help:      "Number of servers created and not yet freed",
		},
	)

	// 连接指标
	c.connectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connection lifecycle events",
		},
		[]string{"event"},
	)

	c.connectionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of configured connections not yet shut down",
		},
	)

	// 流指标
	c.streamsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of completed request streams, by outcome",
		},
		[]string{"method", "outcome"},
	)

	c.streamDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from header-block-done to stream completion",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	c.bodyBytes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_bytes_total",
			Help:      "Body bytes moved through streams",
		},
		[]string{"direction"},
	)

	// 回调与托管运行时指标
	c.callbackFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_failures_total",
			Help:      "Callbacks that raised or returned an error",
		},
		[]string{"callback"},
	)

	c.unraisableTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unraisable_total",
			Help:      "Errors reported on the unraisable channel",
		},
	)

	c.handlesLive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_live",
			Help:      "Live entries in the handle table",
		},
	)

	// 演示应用 HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Gatherer returns the gatherer the collector's metrics are registered on.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// =============================================================================
// 🖥️ 服务端指标记录
// =============================================================================

// RecordServerCreated 记录服务端创建结果
func (c *Collector) RecordServerCreated(err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.serversCreated.WithLabelValues("error").Inc()
		return
	}
	c.serversCreated.WithLabelValues("ok").Inc()
	c.serversLive.Inc()
}

// RecordServerFreed 记录后备结构被释放，freedBy 为 "destroy_complete" 或 "finalizer"
func (c *Collector) RecordServerFreed(freedBy string) {
	if c == nil {
		return
	}
	c.serversDestroyed.WithLabelValues(freedBy).Inc()
	c.serversLive.Dec()
}

// =============================================================================
// 🔌 连接指标记录
// =============================================================================

// RecordConnectionAccepted 记录连接接入
func (c *Collector) RecordConnectionAccepted() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("accepted").Inc()
}

// RecordConnectionConfigured 记录连接完成配置，之后必有一次关闭通知
func (c *Collector) RecordConnectionConfigured() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("configured").Inc()
	c.connectionsActive.Inc()
}

// RecordConnectionRejected 记录连接被拒绝（回调失败或未配置）
func (c *Collector) RecordConnectionRejected() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("rejected").Inc()
}

// RecordConnectionShutdown 记录连接关闭
func (c *Collector) RecordConnectionShutdown() {
	if c == nil {
		return
	}
	c.connectionsTotal.WithLabelValues("shutdown").Inc()
	c.connectionsActive.Dec()
}

// =============================================================================
// 🌊 流指标记录
// =============================================================================

// RecordStream 记录流完成
func (c *Collector) RecordStream(method, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.streamsTotal.WithLabelValues(method, outcome).Inc()
	c.streamDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBodyBytes 记录 body 字节数，direction 为 "in" 或 "out"
func (c *Collector) RecordBodyBytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bodyBytes.WithLabelValues(direction).Add(float64(n))
}

// =============================================================================
// 🔁 回调指标记录
// =============================================================================

// RecordCallbackFailure 记录回调失败
func (c *Collector) RecordCallbackFailure(callback string) {
	if c == nil {
		return
	}
	c.callbackFailures.WithLabelValues(callback).Inc()
}

// RecordUnraisable 记录不可抛出错误
func (c *Collector) RecordUnraisable() {
	if c == nil {
		return
	}
	c.unraisableTotal.Inc()
}

// SetHandlesLive 设置句柄表存活数
func (c *Collector) SetHandlesLive(n int) {
	if c == nil {
		return
	}
	c.handlesLive.Set(float64(n))
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
