package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 实例注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		QueueDepth, JobsInflight, LeaderStatus,
		LeaseTotal, CompleteTotal, ReapedTotal, DLQTotal, OutboxPublishedTotal,
		StartDelay, JobDuration,
	)
}

// QueueDepth 各租户 PENDING 队列深度
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "各租户待派发 Job 数",
	},
	[]string{"tenant_id"},
)

// JobsInflight 有效租约总数
var JobsInflight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "jobs_inflight",
		Help: "持有有效租约的 Job 数",
	},
)

// LeaderStatus 本实例是否为 leader（1/0）
var LeaderStatus = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "instance_leader_status",
		Help: "本实例 leader 状态（1=leader）",
	},
)

// LeaseTotal 认领成功总数（按租户）
var LeaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_lease_total",
		Help: "租约发放总数",
	},
	[]string{"tenant_id"},
)

// CompleteTotal 完成总数（按结果）
var CompleteTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "job_complete_total",
		Help: "Job 完成总数（按结果）",
	},
	[]string{"status"}, // succeeded | failed
)

// ReapedTotal 回收的过期租约总数
var ReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "job_reaped_total",
		Help: "回收的过期租约总数",
	},
)

// DLQTotal 进入 DLQ 的 Job 总数
var DLQTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "job_dlq_total",
		Help: "进入 DLQ 的 Job 总数",
	},
)

// OutboxPublishedTotal Outbox 发布成功总数
var OutboxPublishedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Outbox 事件发布成功总数",
	},
)

// StartDelay available_at 到被认领的延迟（秒）
var StartDelay = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "job_start_delay_seconds",
		Help:    "可派发到认领的延迟（秒）",
		Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
	},
)

// JobDuration 认领到完成的耗时（秒）
var JobDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
