package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fidiego/warc-proxy/pkg/metrics"
)

func TestRegisterWith_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.RegisterWith(prometheus.NewRegistry())
	})
}

func TestRegisterWith_PanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.RegisterWith(reg)
	assert.Panics(t, func() {
		metrics.RegisterWith(reg)
	})
}

// Deltas keep these independent of other tests touching the shared collectors.
func TestRecordsWritten_LabelledByType(t *testing.T) {
	c := metrics.RecordsWritten.WithLabelValues("request")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestQueueDepth_Set(t *testing.T) {
	metrics.QueueDepth.Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(metrics.QueueDepth))
	metrics.QueueDepth.Set(0)
}
