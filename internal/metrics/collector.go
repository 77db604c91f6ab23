// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现 orchestrator.Recorder
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 发现指标
	probesTotal       *prometheus.CounterVec
	targetsDiscovered *prometheus.GaugeVec
	targetsFiltered   *prometheus.CounterVec

	// 连接与会话指标
	connectsTotal   *prometheus.CounterVec
	connectDuration prometheus.Histogram
	sessionsActive  prometheus.Gauge

	// Runtime.evaluate 指标
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	// 注入与扫描指标
	injectionsTotal *prometheus.CounterVec
	passesTotal     prometheus.Counter
	passDuration    prometheus.Histogram

	// 最近一次聚合得到的页面计数
	pageStats *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of control API requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Control API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "Control API response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// 发现指标
	c.probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "probes_total",
			Help:      "Total number of /json/list probes",
		},
		[]string{"port", "result"}, // result: found, empty, error
	)

	c.targetsDiscovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "targets",
			Help:      "Attachable workbench targets seen by the last probe of each port",
		},
		[]string{"port"},
	)

	c.targetsFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "targets_filtered_total",
			Help:      "Targets rejected by the workbench filter",
		},
		[]string{"port"},
	)

	// 连接与会话指标
	c.connectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "connects_total",
			Help:      "Total number of WebSocket connection attempts",
		},
		[]string{"status"}, // status: success, failure
	)

	c.connectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "connect_duration_seconds",
			Help:      "WebSocket dial duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "sessions_active",
			Help:      "Number of registered sessions",
		},
	)

	// evaluate 指标
	c.evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "evaluations_total",
			Help:      "Total number of Runtime.evaluate calls by outcome",
		},
		[]string{"outcome"},
	)

	c.evaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "evaluation_duration_seconds",
			Help:      "Runtime.evaluate round-trip duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"outcome"},
	)

	// 注入与扫描指标
	c.injectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inject",
			Name:      "injections_total",
			Help:      "Total number of injection attempts by outcome",
		},
		[]string{"outcome"}, // outcome: delivered, reconfigured, failed
	)

	c.passesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Total number of discovery passes",
		},
	)

	c.passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Discovery pass duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	c.pageStats = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_stats",
			Help:      "Counters summed across sessions by the last stats query",
		},
		[]string{"kind"}, // kind: clicks, blocked, file_edits, terminal_commands
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录控制 API 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔍 发现与连接
// =============================================================================

// RecordProbe 记录一次端口探测
func (c *Collector) RecordProbe(port int, found, filtered int, err error) {
	label := strconv.Itoa(port)
	result := "found"
	switch {
	case err != nil:
		result = "error"
	case found == 0:
		result = "empty"
	}
	c.probesTotal.WithLabelValues(label, result).Inc()
	c.targetsDiscovered.WithLabelValues(label).Set(float64(found))
	if filtered > 0 {
		c.targetsFiltered.WithLabelValues(label).Add(float64(filtered))
	}
}

// RecordConnect 记录一次连接尝试
func (c *Collector) RecordConnect(success bool, duration time.Duration) {
	status := "failure"
	if success {
		status = "success"
	}
	c.connectsTotal.WithLabelValues(status).Inc()
	c.connectDuration.Observe(duration.Seconds())
}

// RecordSessions 记录当前会话数
func (c *Collector) RecordSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

// RecordEvaluate 记录一次 Runtime.evaluate
func (c *Collector) RecordEvaluate(outcome string, duration time.Duration) {
	c.evaluationsTotal.WithLabelValues(outcome).Inc()
	c.evaluationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// =============================================================================
// 💉 注入与扫描
// =============================================================================

// RecordInjection 记录一次注入
func (c *Collector) RecordInjection(outcome string) {
	c.injectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordPass 记录一次完整扫描
func (c *Collector) RecordPass(duration time.Duration, sessions int) {
	c.passesTotal.Inc()
	c.passDuration.Observe(duration.Seconds())
	c.sessionsActive.Set(float64(sessions))
}

// RecordPageStats 记录最近一次聚合的页面计数
func (c *Collector) RecordPageStats(clicks, blocked, fileEdits, terminalCommands int) {
	c.pageStats.WithLabelValues("clicks").Set(float64(clicks))
	c.pageStats.WithLabelValues("blocked").Set(float64(blocked))
	c.pageStats.WithLabelValues("file_edits").Set(float64(fileEdits))
	c.pageStats.WithLabelValues("terminal_commands").Set(float64(terminalCommands))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归类
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
