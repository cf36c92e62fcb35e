// Package metrics exposes coordinator refresh metrics to prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anicoll/pollbridge/internal/pkg/coordinator"
)

const namespace = "pollbridge"

var _ coordinator.Recorder = (*Metrics)(nil)

type Metrics struct {
	refreshes *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	available *prometheus.GaugeVec
	listeners *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "refresh_total",
			Help:      "Number of coordinator fetches by result.",
		}, []string{"coordinator", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of coordinator fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"coordinator"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "available",
			Help:      "1 when the last fetch succeeded.",
		}, []string{"coordinator"}),
		listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "listeners",
			Help:      "Number of registered listeners.",
		}, []string{"coordinator"}),
	}
	for _, c := range []prometheus.Collector{m.refreshes, m.duration, m.available, m.listeners} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRefresh(name string, err error, elapsed time.Duration) {
	m.refreshes.WithLabelValues(name, result(err)).Inc()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) SetAvailable(name string, available bool) {
	v := 0.0
	if available {
		v = 1
	}
	m.available.WithLabelValues(name).Set(v)
}

func (m *Metrics) SetListeners(name string, count int) {
	m.listeners.WithLabelValues(name).Set(float64(count))
}

// Forget drops all series of an unloaded coordinator.
func (m *Metrics) Forget(name string) {
	for _, res := range []string{"success", "error", "auth_error"} {
		m.refreshes.DeleteLabelValues(name, res)
	}
	m.duration.DeleteLabelValues(name)
	m.available.DeleteLabelValues(name)
	m.listeners.DeleteLabelValues(name)
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, coordinator.ErrAuthFailed):
		return "auth_error"
	default:
		return "error"
	}
}
