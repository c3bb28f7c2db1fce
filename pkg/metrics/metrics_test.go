package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	first := timer.Duration()
	require.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObservesHistogram(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_plan_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(h)

	assert.Equal(t, 1, testutil.CollectAndCount(h))
}

func TestTimerObservesHistogramVec(t *testing.T) {
	hv := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_op_seconds", Buckets: prometheus.DefBuckets},
		[]string{"operation"},
	)

	NewTimer().ObserveDurationVec(hv, "plan")

	assert.Equal(t, 1, testutil.CollectAndCount(hv))
}

func TestSetResourceGauges(t *testing.T) {
	SetResourceGauges("derecho", "cpus", 3, 4)

	assert.Equal(t, 3.0, testutil.ToFloat64(ResourceInUse.WithLabelValues("derecho", "cpus")))
	assert.Equal(t, 4.0, testutil.ToFloat64(ResourceTotal.WithLabelValues("derecho", "cpus")))

	SetResourceGauges("derecho", "cpus", 0, 4)
	assert.Equal(t, 0.0, testutil.ToFloat64(ResourceInUse.WithLabelValues("derecho", "cpus")))
}

func TestObserveRequisitionLabels(t *testing.T) {
	before := testutil.ToFloat64(RequisitionsTotal.WithLabelValues("cheyenne", "false"))

	ObserveRequisition("cheyenne", false, 2*time.Millisecond)
	ObserveRequisition("cheyenne", true, 2*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(RequisitionsTotal.WithLabelValues("cheyenne", "false")))
}

func TestObserveActionFinished(t *testing.T) {
	before := testutil.ToFloat64(ActionsFinishedTotal.WithLabelValues("failure"))

	ObserveActionFinished("failure")

	assert.Equal(t, before+1, testutil.ToFloat64(ActionsFinishedTotal.WithLabelValues("failure")))
}
