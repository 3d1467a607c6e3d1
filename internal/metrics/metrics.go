// ============================================================================
// srm-lifecycle Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露請求生命週期指標
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - srm_requests_submitted_total{kind}      新建的容器請求
//      - srm_transitions_total{from,to}          成功的狀態轉換
//      - srm_transitions_rejected_total{from,to} 被拒絕的非法轉換
//      - srm_aggregations_total{code}            狀態聚合結果
//      - srm_reactivations_total                 RESTORED 請求被喚醒
//      - srm_job_runs_total{result}              Worker 執行結果
//      - srm_expired_requests_total              因生命期到期而失敗的請求
//      - srm_store_errors_total{op}              持久化失敗
//
//   2. 分佈 (Histogram)：
//      - srm_job_run_seconds                     單次 Run 耗時
//      - srm_poll_delta_seconds                  回給客戶端的 poll 提示
//
//   3. 瞬時值 (Gauge)：
//      - srm_requests{state} / srm_file_requests{state}
//      - srm_queue_depth
//      - srm_recovery_time_seconds / srm_recovered_records
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的檔案請求
//   rate(srm_transitions_total{to="DONE"}[1m])
//
//   # 非法轉換率
//   rate(srm_transitions_rejected_total[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/srm-lifecycle/pkg/types"
)

const namespace = "srm"

// Run result labels
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultFailure = "failure"
	ResultPanic   = "panic"
)

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	submitted    *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	aggregations *prometheus.CounterVec
	reactivated  prometheus.Counter
	runs         *prometheus.CounterVec
	expired      prometheus.Counter
	storeErrors  *prometheus.CounterVec

	runSeconds prometheus.Histogram
	pollDelta  prometheus.Histogram

	requests     *prometheus.GaugeVec
	files        *prometheus.GaugeVec
	queueDepth   prometheus.Gauge
	recoveryTime prometheus.Gauge
	recovered    prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
// reg 為 nil 時使用獨立的 registry（測試用）
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_submitted_total",
			Help: "Container requests accepted, by kind",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Applied state transitions",
		}, []string{"from", "to"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_rejected_total",
			Help: "Rejected illegal state transitions",
		}, []string{"from", "to"}),
		aggregations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "aggregations_total",
			Help: "Aggregate status computations, by resulting code",
		}, []string{"code"}),
		reactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reactivations_total",
			Help: "Restored requests rescheduled on first access",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Worker executions, by result",
		}, []string{"result"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "expired_requests_total",
			Help: "Requests failed because their lifetime elapsed",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_errors_total",
			Help: "Persistence failures, by operation",
		}, []string{"op"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_run_seconds",
			Help:    "Duration of one Run call",
			Buckets: prometheus.DefBuckets,
		}),
		pollDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "poll_delta_seconds",
			Help:    "Poll hints returned to clients",
			Buckets: []float64{1, 4, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		requests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "requests",
			Help: "Registered container requests, by state",
		}, []string{"state"}),
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "file_requests",
			Help: "Registered file requests, by state",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovery_time_seconds",
			Help: "Time taken to load persisted requests at startup",
		}),
		recovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recovered_records",
			Help: "Job records loaded at startup",
		}),
	}

	reg.MustRegister(
		c.submitted, c.transitions, c.rejected, c.aggregations, c.reactivated,
		c.runs, c.expired, c.storeErrors, c.runSeconds, c.pollDelta,
		c.requests, c.files, c.queueDepth, c.recoveryTime, c.recovered,
	)
	return c
}

// RecordSubmitted 記錄新請求
func (c *Collector) RecordSubmitted(kind types.RequestKind) {
	c.submitted.WithLabelValues(string(kind)).Inc()
}

// RecordTransition 記錄狀態轉換
func (c *Collector) RecordTransition(from, to types.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordRejected 記錄被拒絕的轉換
func (c *Collector) RecordRejected(from, to types.State) {
	c.rejected.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordAggregation 記錄一次聚合與回給客戶端的 poll 提示
func (c *Collector) RecordAggregation(code types.StatusCode, pollDelta int) {
	c.aggregations.WithLabelValues(string(code)).Inc()
	if pollDelta > 0 {
		c.pollDelta.Observe(float64(pollDelta))
	}
}

// RecordReactivation 記錄 RESTORED 請求被喚醒
func (c *Collector) RecordReactivation() {
	c.reactivated.Inc()
}

// RecordRun 記錄 Worker 執行結果
func (c *Collector) RecordRun(result string, d time.Duration) {
	c.runs.WithLabelValues(result).Inc()
	c.runSeconds.Observe(d.Seconds())
}

// RecordExpired 記錄到期失敗的請求
func (c *Collector) RecordExpired(n int) {
	c.expired.Add(float64(n))
}

// RecordStoreError 記錄持久化失敗
func (c *Collector) RecordStoreError(op string) {
	c.storeErrors.WithLabelValues(op).Inc()
}

// UpdateStates 以完整統計覆寫狀態 gauge（未出現的狀態設為 0）
func (c *Collector) UpdateStates(requests, files map[types.State]int) {
	for _, st := range types.AllStates() {
		c.requests.WithLabelValues(st.String()).Set(float64(requests[st]))
		c.files.WithLabelValues(st.String()).Set(float64(files[st]))
	}
}

// SetQueueDepth 設置佇列深度
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SetRecovery 設置啟動恢復耗時與載入的紀錄數
func (c *Collector) SetRecovery(d time.Duration, records int) {
	c.recoveryTime.Set(d.Seconds())
	c.recovered.Set(float64(records))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
