// Package metrics expõe a telemetria do limiter em formato Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vibewell25/vibewell-sub010/internal/core/ports"
)

const namespace = "ratelimit"

type Prometheus struct {
	decisions         *prometheus.CounterVec
	failOpen          *prometheus.CounterVec
	storeErrors       *prometheus.CounterVec
	activeConnections prometheus.Gauge
	fallbackActive    prometheus.Gauge
}

var _ ports.Metrics = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Admission decisions by limiter type and outcome.",
		}, []string{"limiter", "allowed"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fail_open_total",
			Help:      "Requests admitted because the counter store failed.",
		}, []string{"limiter"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Distributed counter store failures by operation.",
		}, []string{"operation"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Live WebSocket connections tracked by this instance.",
		}),
		fallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_fallback_active",
			Help:      "1 when the in-process store replaced the distributed one.",
		}),
	}

	for _, c := range []prometheus.Collector{p.decisions, p.failOpen, p.storeErrors, p.activeConnections, p.fallbackActive} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveDecision(limiterType string, allowed bool) {
	p.decisions.WithLabelValues(limiterType, strconv.FormatBool(allowed)).Inc()
}

func (p *Prometheus) ObserveFailOpen(limiterType string) {
	p.failOpen.WithLabelValues(limiterType).Inc()
}

func (p *Prometheus) ObserveStoreError(operation string) {
	p.storeErrors.WithLabelValues(operation).Inc()
}

func (p *Prometheus) SetActiveConnections(n int) {
	p.activeConnections.Set(float64(n))
}

func (p *Prometheus) SetFallbackActive(active bool) {
	if active {
		p.fallbackActive.Set(1)
		return
	}
	p.fallbackActive.Set(0)
}
