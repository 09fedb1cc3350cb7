package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标。所有方法允许 nil 接收者，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮件指标
	MessagesTotal       *prometheus.CounterVec // direction, outcome
	ForwardedTotal      *prometheus.CounterVec // direction
	BouncesTotal        *prometheus.CounterVec // direction
	NoticesTotal        *prometheus.CounterVec // result
	EmailProcessingTime *prometheus.HistogramVec

	// 内容净化指标
	TrackersRemoved      prometheus.Counter
	ImagesProxied        prometheus.Counter
	URLsExpanded         prometheus.Counter
	PipelinePassthroughs prometheus.Counter

	// SMTP 会话指标
	SMTPSessionsActive prometheus.Gauge
	RateLimitBlocks    *prometheus.CounterVec

	// 系统指标
	SystemUptime prometheus.Gauge
	MemoryUsage  prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，每个实例使用独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maskrelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_messages_total",
				Help: "Processed recipients by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ForwardedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_forwarded_total",
				Help: "Messages handed to the outbound transport",
			},
			[]string{"direction"},
		),
		BouncesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_bounces_total",
				Help: "Bounce reports matched to a relay token",
			},
			[]string{"direction"},
		),
		NoticesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_notices_total",
				Help: "Explanatory notices by result",
			},
			[]string{"result"},
		),
		EmailProcessingTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maskrelay_email_processing_seconds",
				Help:    "Time spent routing one message",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"direction"},
		),

		TrackersRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "maskrelay_trackers_removed_total",
			Help: "Tracking elements removed from forwarded mail",
		}),
		ImagesProxied: f.NewCounter(prometheus.CounterOpts{
			Name: "maskrelay_images_proxied_total",
			Help: "Images rewritten to proxy URLs",
		}),
		URLsExpanded: f.NewCounter(prometheus.CounterOpts{
			Name: "maskrelay_urls_expanded_total",
			Help: "Shortened links expanded",
		}),
		PipelinePassthroughs: f.NewCounter(prometheus.CounterOpts{
			Name: "maskrelay_pipeline_passthrough_total",
			Help: "Bodies forwarded unchanged because sanitization failed",
		}),

		SMTPSessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "maskrelay_smtp_sessions_active",
			Help: "Open inbound SMTP sessions",
		}),
		RateLimitBlocks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_rate_limit_blocks_total",
				Help: "Requests blocked by rate limiting",
			},
			[]string{"limit_type"},
		),

		SystemUptime: f.NewGauge(prometheus.GaugeOpts{
			Name: "maskrelay_system_uptime_seconds",
			Help: "System uptime in seconds",
		}),
		MemoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "maskrelay_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),

		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maskrelay_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),
		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "maskrelay_panics_total",
			Help: "Total number of panics",
		}),
	}
}

// Registry 返回指标注册表，测试中用于读取数值
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMessage 记录一个收件人的处理结果
func (m *Metrics) RecordMessage(direction, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, outcome).Inc()
	m.EmailProcessingTime.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordForwarded 记录一封已交给出站传输的邮件
func (m *Metrics) RecordForwarded(direction string) {
	if m == nil {
		return
	}
	m.ForwardedTotal.WithLabelValues(direction).Inc()
}

// RecordContent 记录内容净化结果
func (m *Metrics) RecordContent(trackers, images, urls int, passthrough bool) {
	if m == nil {
		return
	}
	m.TrackersRemoved.Add(float64(trackers))
	m.ImagesProxied.Add(float64(images))
	m.URLsExpanded.Add(float64(urls))
	if passthrough {
		m.PipelinePassthroughs.Inc()
	}
}

// RecordBounce 记录识别出的退信
func (m *Metrics) RecordBounce(direction string) {
	if m == nil {
		return
	}
	m.BouncesTotal.WithLabelValues(direction).Inc()
}

// RecordNotice 记录通知发送结果: sent, failed, suppressed, dropped
func (m *Metrics) RecordNotice(result string) {
	if m == nil {
		return
	}
	m.NoticesTotal.WithLabelValues(result).Inc()
}

// SessionOpened 记录 SMTP 会话打开
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Inc()
}

// SessionClosed 记录 SMTP 会话关闭
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Dec()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	if m == nil {
		return
	}
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	if m == nil {
		return
	}
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateMemoryUsage 更新内存使用量
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
