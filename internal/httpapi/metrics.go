package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics backs GetMetrics() (§6: counters for requests/jobs/tasks by
// outcome, gauges for system load, usage counters for token/cost) with
// real github.com/prometheus/client_golang primitives rather than a
// hand-rolled counter/gauge abstraction — see DESIGN.md.
type Metrics struct {
	Requests   *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Inflight   prometheus.Gauge
	Jobs       *prometheus.CounterVec
	Tasks      *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec
	TokensUsed prometheus.Counter
	CostUSD    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_api_requests_total",
			Help: "Total HTTP requests by method, route, status.",
		}, []string{"method", "route", "status"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planner_api_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "planner_api_inflight_requests",
			Help: "In-flight HTTP requests.",
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_jobs_total",
			Help: "Jobs by terminal outcome.",
		}, []string{"outcome"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "planner_tasks_total",
			Help: "Tasks by terminal outcome and role.",
		}, []string{"role", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "planner_queue_depth",
			Help: "Current dispatcher queue depth per role.",
		}, []string{"role"}),
		TokensUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planner_handler_tokens_total",
			Help: "Token usage reported by role handlers.",
		}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "planner_handler_cost_usd_total",
			Help: "Estimated cost in USD reported by role handlers.",
		}),
	}
	prometheus.MustRegister(m.Requests, m.Latency, m.Inflight, m.Jobs, m.Tasks, m.QueueDepth, m.TokensUsed, m.CostUSD)
	return m
}

// Middleware records request count/latency/inflight, matching the shape of
// the teacher's observability middleware without its hand-rolled types.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.Inflight.Inc()
		defer m.Inflight.Dec()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.Requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		m.Latency.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler exposes the standard Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return gin.WrapH(h)
}

// Snapshot renders the registry's current values as the JSON body for the
// §6 GetMetrics() contract: request/job/task counters by outcome, queue
// depth gauges, and usage totals, read back out of the same
// client_golang collectors the scrape endpoint serves.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"requests_total":    sumCounterVec(m.Requests),
		"inflight_requests": gaugeValue(m.Inflight),
		"jobs_by_outcome":   counterVecByLabel(m.Jobs, "outcome"),
		"tasks_by_outcome":  counterVecByLabel(m.Tasks, "outcome"),
		"queue_depth_by_role": gaugeVecByLabel(m.QueueDepth, "role"),
		"tokens_used_total": counterValue(m.TokensUsed),
		"cost_usd_total":    counterValue(m.CostUSD),
	}
}

func counterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

func sumCounterVec(v *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		v.Collect(ch)
		close(ch)
	}()
	var total float64
	for m := range ch {
		var metric dto.Metric
		if err := m.Write(&metric); err != nil {
			continue
		}
		total += metric.GetCounter().GetValue()
	}
	return total
}

func counterVecByLabel(v *prometheus.CounterVec, labelName string) map[string]float64 {
	out := map[string]float64{}
	ch := make(chan prometheus.Metric, 64)
	go func() {
		v.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var metric dto.Metric
		if err := m.Write(&metric); err != nil {
			continue
		}
		key := labelValue(&metric, labelName)
		out[key] += metric.GetCounter().GetValue()
	}
	return out
}

func gaugeVecByLabel(v *prometheus.GaugeVec, labelName string) map[string]float64 {
	out := map[string]float64{}
	ch := make(chan prometheus.Metric, 64)
	go func() {
		v.Collect(ch)
		close(ch)
	}()
	for m := range ch {
		var metric dto.Metric
		if err := m.Write(&metric); err != nil {
			continue
		}
		key := labelValue(&metric, labelName)
		out[key] = metric.GetGauge().GetValue()
	}
	return out
}

func labelValue(metric *dto.Metric, labelName string) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == labelName {
			return lp.GetValue()
		}
	}
	return ""
}
