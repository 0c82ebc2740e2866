package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metering_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 用量计量指标
var (
	// UsageEventsTotal 用量事件总数（token/tool/kb/run_start/run_finalize）
	UsageEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_usage_events_total",
			Help: "用量事件总数",
		},
		[]string{"event_type", "status"},
	)

	// UsageCreditsTotal 累计记账积分
	UsageCreditsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_usage_credits_total",
			Help: "累计记账积分",
		},
		[]string{"event_type"},
	)

	// DedupeHitsTotal 去重缓存命中次数（被拒绝的重复事件）
	DedupeHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_dedupe_hits_total",
			Help: "重复事件拦截次数",
		},
		[]string{"source"}, // memory / database
	)

	// SessionResolutionsTotal 会话标识解析次数
	SessionResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metering_session_resolutions_total",
			Help: "会话标识解析次数",
		},
		[]string{"outcome"}, // exact / mapped / prefix / fallback / miss
	)
)

// 计费周期指标
var (
	// SweepRunsTotal 到期清算执行次数
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_runs_total",
			Help: "到期清算执行次数",
		},
		[]string{"status"}, // ok / partial / skipped / error
	)

	// PeriodsProcessedTotal 处理的到期账期数
	PeriodsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_periods_processed_total",
			Help: "处理的到期账期数",
		},
		[]string{"status"}, // renewed / failed
	)

	// InvoicesGeneratedTotal 生成的发票数
	InvoicesGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_invoices_generated_total",
			Help: "生成的发票数",
		},
		[]string{"status"}, // stripe / local_zero / failed
	)

	// InvoiceAmountUSD 发票金额分布（美元）
	InvoiceAmountUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_invoice_amount_usd",
			Help:    "发票金额分布",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// UnpaidInvoiceActionsTotal 未支付发票处置次数
	UnpaidInvoiceActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_unpaid_invoice_actions_total",
			Help: "未支付发票处置次数",
		},
		[]string{"action"}, // past_due / canceled
	)
)
