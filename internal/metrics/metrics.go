// Package metrics はジョブ・キャッシュ・ライブ配信の Prometheus メトリクスをまとめます。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sculpture_forge"

// Recorder は各コンポーネントから呼ばれるメトリクス記録係です。
// nil レシーバでも安全に呼び出せます。
type Recorder struct {
	jobsSubmitted *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	recycled      prometheus.Counter
}

// New は Recorder を作成し、reg に登録します。
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Submitted jobs by type and admission path",
		}, []string{"job_type", "admission"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state",
		}, []string{"job_type", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from worker pickup to terminal state",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"job_type"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache admission lookups by result",
		}, []string{"job_type", "result"}),
		recycled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_slots_recycled_total",
			Help:      "Worker slots replaced after reaching their job budget or a hard timeout",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.jobsSubmitted, r.jobsFinished, r.jobDuration, r.cacheLookups, r.recycled)
	}
	return r
}

// RegisterSubscriberGauge はライブ配信の購読者数を公開します。
func RegisterSubscriberGauge(reg prometheus.Registerer, count func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_subscribers",
		Help:      "Currently registered live-channel subscribers",
	}, func() float64 {
		return float64(count())
	}))
}

// Handler は /metrics 用の HTTP ハンドラーを返します。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (r *Recorder) JobSubmitted(jobType string, cached bool) {
	if r == nil {
		return
	}
	admission := "queued"
	if cached {
		admission = "cache_hit"
	}
	r.jobsSubmitted.WithLabelValues(jobType, admission).Inc()
}

func (r *Recorder) JobFinished(jobType, state string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(jobType, state).Inc()
	r.jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func (r *Recorder) CacheLookup(jobType string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(jobType, result).Inc()
}

func (r *Recorder) SlotRecycled() {
	if r == nil {
		return
	}
	r.recycled.Inc()
}
