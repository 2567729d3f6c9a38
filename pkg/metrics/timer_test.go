package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration histogram",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	require.NoError(t, histogram.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 0.01)
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_duration_vec_seconds",
		Help:    "Test duration histogram vec",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	NewTimer().ObserveDurationVec(vec, "Register")
	NewTimer().ObserveDurationVec(vec, "Notify")
	NewTimer().ObserveDurationVec(vec, "Notify")

	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestLabelledCounters(t *testing.T) {
	before := testutil.ToFloat64(EventsDropped.WithLabelValues("decode"))
	EventsDropped.WithLabelValues("decode").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(EventsDropped.WithLabelValues("decode")))

	before = testutil.ToFloat64(DeliveryAttempts.WithLabelValues("transient"))
	DeliveryAttempts.WithLabelValues("transient").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(DeliveryAttempts.WithLabelValues("transient")))
}
