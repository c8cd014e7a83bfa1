// ============================================================================
// Milestone Escrow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露托管服務運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - escrow_signals_total{type}: 已發出的托管訊號（funded, approved, claimed ...）
//      - escrow_operations_total{op,result}: 控制器操作結果，result 為 ok 或錯誤原因
//      - escrow_notifications_total{result}: webhook 投遞結果
//      - escrow_notifications_dropped_total: 佇列滿而丟棄的通知
//
//   2. 性能指標 (Histogram)：
//      - escrow_operation_duration_seconds{op}: 操作延遲分佈（含 journal 寫入）
//
//   3. 狀態指標 (Gauge)：
//      - escrow_instances{state}: unfunded / active / completed / cancelled 實例數
//      - escrow_claimable_milestones: 已超過核准期限、可由 payee 領取的 milestone 數
//      - escrow_journal_last_seq: journal 最後序號
//      - escrow_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘付款次數
//   rate(escrow_signals_total{type=~"escrow.milestone.(approved|claimed)"}[1m])
//
//   # 轉帳失敗率
//   rate(escrow_operations_total{result="transfer_failed"}[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/milestone-escrow/internal/events"
)

const namespace = "escrow"

// Collector Prometheus 指標收集器。實作 events.Emitter，可直接掛在訊號扇出上。
type Collector struct {
	signals      *prometheus.CounterVec
	operations   *prometheus.CounterVec
	opLatency    *prometheus.HistogramVec
	notifyResult *prometheus.CounterVec
	notifyDrops  prometheus.Counter

	instances    *prometheus.GaugeVec
	claimable    prometheus.Gauge
	journalSeq   prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 表示 DefaultRegisterer）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Escrow signals emitted, by signal type",
		}, []string{"type"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Controller operations, by operation and result",
		}, []string{"op", "result"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Controller operation latency in seconds, journal write included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		notifyResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Webhook deliveries, by result",
		}, []string{"result"}),
		notifyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the delivery queue was full",
		}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances",
			Help:      "Escrow instances by lifecycle state",
		}, []string{"state"}),
		claimable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claimable_milestones",
			Help:      "Submitted milestones whose approval timeout has elapsed",
		}),
		journalSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journal_last_seq",
			Help:      "Last sequence number written to the operation journal",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to load the snapshot and replay the journal",
		}),
	}

	reg.MustRegister(
		c.signals,
		c.operations,
		c.opLatency,
		c.notifyResult,
		c.notifyDrops,
		c.instances,
		c.claimable,
		c.journalSeq,
		c.recoveryTime,
	)
	return c
}

// Emit 實作 events.Emitter，依訊號類型計數
func (c *Collector) Emit(e events.Event) {
	c.signals.WithLabelValues(e.Type).Inc()
}

// RecordOperation 記錄一次控制器操作；reason 為空字串表示成功
func (c *Collector) RecordOperation(op, reason string, elapsed time.Duration) {
	result := reason
	if result == "" {
		result = "ok"
	}
	c.operations.WithLabelValues(op, result).Inc()
	c.opLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordNotification 記錄一次 webhook 投遞結果
func (c *Collector) RecordNotification(delivered bool) {
	if delivered {
		c.notifyResult.WithLabelValues("delivered").Inc()
		return
	}
	c.notifyResult.WithLabelValues("failed").Inc()
}

// RecordNotificationDropped 記錄因佇列滿而丟棄的通知
func (c *Collector) RecordNotificationDropped() {
	c.notifyDrops.Inc()
}

// UpdateInstanceStats 更新實例狀態統計
func (c *Collector) UpdateInstanceStats(unfunded, active, completed, cancelled int) {
	c.instances.WithLabelValues("unfunded").Set(float64(unfunded))
	c.instances.WithLabelValues("active").Set(float64(active))
	c.instances.WithLabelValues("completed").Set(float64(completed))
	c.instances.WithLabelValues("cancelled").Set(float64(cancelled))
}

// SetClaimable 設置可領取的 milestone 數
func (c *Collector) SetClaimable(n int) {
	c.claimable.Set(float64(n))
}

// SetJournalSeq 設置 journal 最後序號
func (c *Collector) SetJournalSeq(seq uint64) {
	c.journalSeq.Set(float64(seq))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// Handler 回傳暴露 g 中指標的 HTTP handler（nil 表示 DefaultGatherer）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
