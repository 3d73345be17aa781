package resonancegraphs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	samplesCaptured prometheus.Counter
	framesSkipped   prometheus.Counter
	axisTests       *prometheus.CounterVec
	restoreFailures prometheus.Counter
	testDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samplesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resonance_samples_captured_total",
			Help: "Accelerometer samples written to capture files.",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resonance_frames_skipped_total",
			Help: "Subscription frames or rows ignored because they carried no usable samples.",
		}),
		axisTests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_axis_tests_total",
			Help: "Axis tests run, by outcome.",
		}, []string{"axis", "outcome"}),
		restoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resonance_restore_failures_total",
			Help: "Machine state restores that returned an error.",
		}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resonance_axis_test_duration_seconds",
			Help:    "Wall time of one axis test from state save to restore.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.samplesCaptured, m.framesSkipped, m.axisTests, m.restoreFailures, m.testDuration)
	}
	return m
}

func (m *Metrics) addSamples(n int) {
	if m == nil || n == 0 {
		return
	}
	m.samplesCaptured.Add(float64(n))
}

func (m *Metrics) skipFrame() {
	if m == nil {
		return
	}
	m.framesSkipped.Inc()
}

func (m *Metrics) observeTest(axis, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.axisTests.WithLabelValues(axis, outcome).Inc()
	m.testDuration.Observe(seconds)
}

func (m *Metrics) restoreFailed() {
	if m == nil {
		return
	}
	m.restoreFailures.Inc()
}
