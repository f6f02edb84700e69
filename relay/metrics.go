package relay

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	gasWei   *prometheus.CounterVec
	execute  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teo_relay",
			Name:      "requests_total",
			Help:      "Relay requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		gasWei: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teo_relay",
			Name:      "platform_gas_wei_total",
			Help:      "Gas paid by the platform hot wallet, in wei.",
		}, []string{"action"}),
		execute: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "teo_relay",
			Name:      "execute_seconds",
			Help:      "Time to get a relayed transaction mined.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.gasWei, m.execute)
	}
	return m
}

func (m *Metrics) request(op, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) executed(action Action, took time.Duration, gasWei *big.Int) {
	if m == nil {
		return
	}
	m.execute.WithLabelValues(action.String()).Observe(took.Seconds())
	if gasWei != nil {
		f, _ := new(big.Float).SetInt(gasWei).Float64()
		m.gasWei.WithLabelValues(action.String()).Add(f)
	}
}
