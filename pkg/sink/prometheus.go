package sink

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var _ Sink = &Prometheus{}

// Prometheus is the Sink backed by prometheus gauge vectors.
type Prometheus struct {
	gauges map[string]*prometheus.GaugeVec
}

// NewPrometheus creates the four gauge vectors and registers them.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		gauges: map[string]*prometheus.GaugeVec{
			SeriesDeviceMemory: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: SeriesDeviceMemory,
					Help: "GPU Memory Usage (MiB)",
				},
				[]string{LabelGPUIndex, LabelGPUUUID},
			),
			SeriesDeviceUtilization: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: SeriesDeviceUtilization,
					Help: "GPU Utilization (%)",
				},
				[]string{LabelGPUIndex, LabelGPUUUID},
			),
			SeriesUserMemory: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: SeriesUserMemory,
					Help: "User Memory Usage (MiB)",
				},
				[]string{LabelGPUIndex, LabelUser},
			),
			SeriesUserUtilization: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: SeriesUserUtilization,
					Help: "Estimated per-user GPU Utilization (%), the device utilization weighted by the user's share of process memory",
				},
				[]string{LabelGPUIndex, LabelUser},
			),
		},
	}

	for _, name := range []string{SeriesDeviceMemory, SeriesDeviceUtilization, SeriesUserMemory, SeriesUserUtilization} {
		if err := reg.Register(p.gauges[name]); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return p, nil
}

func (p *Prometheus) SetGauge(name string, labels Labels, value float64) error {
	vec, ok := p.gauges[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", name, err)
	}
	g.Set(value)
	return nil
}

func (p *Prometheus) RemoveGauge(name string, labels Labels) error {
	vec, ok := p.gauges[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}

	// false only means the series was not there
	_ = vec.Delete(prometheus.Labels(labels))
	return nil
}
