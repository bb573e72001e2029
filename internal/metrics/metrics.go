package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelinesTotal counts finished pipelines by requested format and outcome.
	PipelinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixtape",
		Name:      "pipelines_total",
		Help:      "Total number of finished pipelines by format and outcome",
	}, []string{"format", "outcome"})

	// PipelinesActive is the number of pipelines currently in flight.
	PipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mixtape",
		Name:      "pipelines_active",
		Help:      "Number of pipelines currently running",
	})

	AcquiredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixtape",
		Name:      "acquired_bytes_total",
		Help:      "Total bytes written to scratch by stream acquisition",
	}, []string{"kind"})

	MuxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mixtape",
		Name:      "mux_duration_seconds",
		Help:      "Wall-clock time spent in the external muxer",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
	}, []string{"result"})

	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixtape",
		Name:      "redemptions_total",
		Help:      "Total download token redemptions by outcome",
	}, []string{"outcome"})

	ScratchReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mixtape",
		Name:      "scratch_released_total",
		Help:      "Scratch files removed, by the reason they were removed",
	}, []string{"reason"})
)

// ObservePipeline records the outcome of a completed pipeline.
func ObservePipeline(format string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	PipelinesTotal.WithLabelValues(format, outcome).Inc()
}

// ObserveMux records how long the muxer ran for.
func ObserveMux(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	MuxDuration.WithLabelValues(result).Observe(d.Seconds())
}

func AddAcquiredBytes(kind string, n int) {
	AcquiredBytesTotal.WithLabelValues(kind).Add(float64(n))
}

func IncRedemption(outcome string) {
	RedemptionsTotal.WithLabelValues(outcome).Inc()
}

func IncScratchReleased(reason string) {
	ScratchReleasedTotal.WithLabelValues(reason).Inc()
}
