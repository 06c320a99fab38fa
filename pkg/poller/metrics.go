package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpu_user_exporter"

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// exporter self metrics
type metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	dropped       *prometheus.CounterVec
	trackedSeries *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "total number of poll cycles by result",
			},
			[]string{"result"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "poll cycle duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_records_total",
				Help:      "total number of sampled records dropped by reason",
			},
			[]string{"reason"},
		),
		trackedSeries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_series",
				Help:      "current number of per-user series by lifecycle state",
			},
			[]string{"state"},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_unix_seconds",
				Help:      "unix timestamp of the last successful poll cycle",
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.cycles,
		m.cycleDuration,
		m.dropped,
		m.trackedSeries,
		m.lastSuccess,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
