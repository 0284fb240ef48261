package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every generator metric. It is private so that a generation
// run exports only its own series, never the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var totalFixtures atomic.Int64

var (
	ConfigurationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "testgen_configurations_total",
		Help: "Configurations considered per op, by outcome (emitted, duplicate, filtered)",
	}, []string{"op", "outcome"})

	FixturesWritten = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "testgen_fixtures_written_total",
		Help: "Fixtures serialized per op",
	}, []string{"op"})

	TensorElements = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "testgen_tensor_elements_total",
		Help: "Tensor values emitted per op, inputs and expected outputs",
	}, []string{"op"})

	FamilyDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "testgen_family_duration_seconds",
		Help:    "Wall time to enumerate, compute and emit one op",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"op"})

	FastDivVectors = factory.NewCounter(prometheus.CounterOpts{
		Name: "testgen_fastdiv_vectors_total",
		Help: "Verified fast-division vectors",
	})

	FastDivShiftAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "testgen_fastdiv_shift_attempts_total",
		Help: "Candidate shifts tried, by result",
	}, []string{"result"})

	FastDivDividendsVerified = factory.NewCounter(prometheus.CounterOpts{
		Name: "testgen_fastdiv_dividends_verified_total",
		Help: "Dividends checked by brute force across accepted vectors",
	})

	FastDivShift = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "testgen_fastdiv_shift",
		Help:    "Distribution of accepted shift amounts",
		Buckets: []float64{0, 8, 16, 24, 32, 40, 48, 56, 63},
	})

	GenerationErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "testgen_generation_errors_total",
		Help: "Fatal generation errors by op and kind",
	}, []string{"op", "kind"})
)

// RecordConfigurations records the enumeration statistics of one op
func RecordConfigurations(op string, emitted, duplicates, filtered int) {
	ConfigurationsTotal.WithLabelValues(op, "emitted").Add(float64(emitted))
	ConfigurationsTotal.WithLabelValues(op, "duplicate").Add(float64(duplicates))
	ConfigurationsTotal.WithLabelValues(op, "filtered").Add(float64(filtered))
}

// RecordFixture records one serialized fixture and its payload size
func RecordFixture(op string, elements int) {
	totalFixtures.Add(1)
	FixturesWritten.WithLabelValues(op).Inc()
	TensorElements.WithLabelValues(op).Add(float64(elements))
}

// RecordFamilyDuration records how long one op took end to end
func RecordFamilyDuration(op string, duration time.Duration) {
	FamilyDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordShiftAttempt records one candidate shift of the fastdiv search
func RecordShiftAttempt(verified bool) {
	FastDivShiftAttempts.WithLabelValues(strconv.FormatBool(verified)).Inc()
}

// RecordFastDivVector records an accepted vector and the size of its
// exhaustively checked domain
func RecordFastDivVector(shift uint, domainMin, domainMax int64) {
	FastDivVectors.Inc()
	FastDivShift.Observe(float64(shift))
	FastDivDividendsVerified.Add(float64(domainMax - domainMin + 1))
}

// RecordGenerationError counts a fatal error by kind
func RecordGenerationError(op, kind string) {
	GenerationErrors.WithLabelValues(op, kind).Inc()
}

// TotalFixtures is the number of fixtures recorded by this process.
func TotalFixtures() int64 {
	return totalFixtures.Load()
}

// WriteTextfile dumps the registry in the text exposition format, for the
// node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
