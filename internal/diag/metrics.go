package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标（进程级注册表）：
// - primescan_op_total{comp,stage,result}
// - primescan_error_total{comp,code}
// - primescan_op_duration_ms{comp,stage}
// - primescan_candidates_total
// - primescan_records_total{collection}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "primescan_op_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "primescan_error_total",
		Help: "Errors by component and classification code.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "primescan_op_duration_ms",
		Help:    "Stage duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"comp", "stage"})

	candidatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "primescan_candidates_total",
		Help: "Candidates classified by the worker pool.",
	})

	recordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "primescan_records_total",
		Help: "Records committed to the sink, by collection.",
	}, []string{"collection"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration, candidatesTotal, recordsTotal)
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// AddCandidates 累加已判定的候选值数量。
func AddCandidates(n uint64) {
	candidatesTotal.Add(float64(n))
}

// AddRecords 累加某集合已提交的记录数。
func AddRecords(collection string, n uint64) {
	if n == 0 {
		return
	}
	recordsTotal.WithLabelValues(collection).Add(float64(n))
}

// Registry 返回进程级指标注册表。
func Registry() *prometheus.Registry { return registry }

// MetricsHandler 返回 Prometheus 文本格式的导出处理器。
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
