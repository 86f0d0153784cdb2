package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.JobSubmitted("sculpture", false)
	r.JobSubmitted("sculpture", true)
	r.JobSubmitted("sculpture", true)
	r.CacheLookup("sculpture", false)
	r.JobFinished("sculpture", "succeeded", 2*time.Second)
	r.SlotRecycled()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsSubmitted.WithLabelValues("sculpture", "cache_hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsSubmitted.WithLabelValues("sculpture", "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cacheLookups.WithLabelValues("sculpture", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsFinished.WithLabelValues("sculpture", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recycled))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.JobSubmitted("compare", false)
		r.JobFinished("compare", "failed", time.Second)
		r.CacheLookup("compare", true)
		r.SlotRecycled()
	})
}

func TestHandlerExposesSubscriberGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	RegisterSubscriberGauge(reg, func() int { return 3 })

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "sculpture_forge_live_subscribers 3"))
}
