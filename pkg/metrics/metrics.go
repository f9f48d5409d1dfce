package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Server Metrics

	// APIRequestsTotal API请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// APIRequestDuration API请求处理时长
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpdesk_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Ticket Metrics

	// TicketTransitionsTotal 工单状态变更次数
	TicketTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_ticket_transitions_total",
			Help: "Total number of ticket state transitions",
		},
		[]string{"op", "result"}, // op: create, approve, reject, close, mark
	)

	// TicketExecutionsTotal 提交到执行后端的次数
	TicketExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_ticket_executions_total",
			Help: "Total number of ticket executions submitted to providers",
		},
		[]string{"provider", "result"}, // result: success, failure
	)

	// Provider Metrics

	// ProviderRequestDuration 执行后端 HTTP 请求时长
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpdesk_provider_request_duration_seconds",
			Help:    "Provider HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "method", "status"},
	)

	// CacheRequestsTotal 缓存命中统计
	CacheRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_cache_requests_total",
			Help: "Total number of cache lookups",
		},
		[]string{"kind", "result"}, // result: hit, miss
	)

	// Notification Metrics

	// NotificationsTotal 通知发送次数
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_notifications_total",
			Help: "Total number of notifications sent",
		},
		[]string{"method", "phase", "result"},
	)

	// ReportedErrorsTotal report 通道上报的错误数
	ReportedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_reported_errors_total",
			Help: "Total number of errors reported to the side channel",
		},
		[]string{"component"},
	)
)
