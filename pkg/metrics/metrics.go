// Package metrics holds the Prometheus collectors of a forge node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for registry transactions and relay delivery.
type Metrics struct {
	Registry *prometheus.Registry

	Transactions   *prometheus.CounterVec
	Reverts        *prometheus.CounterVec
	TxLatency      *prometheus.HistogramVec
	ValueForwarded prometheus.Counter
	LogsEmitted    *prometheus.CounterVec
	RelayPublishes *prometheus.CounterVec
}

// New registers collectors on a fresh registry so several stores can live in
// one process (tests open many).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentforge_transactions_total",
			Help: "Total number of transactions, labeled by method and status",
		}, []string{"method", "status"}),
		Reverts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentforge_reverts_total",
			Help: "Total number of reverted transactions, labeled by revert kind",
		}, []string{"kind"}),
		TxLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentforge_transaction_latency_seconds",
			Help:    "Latency of transactions in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method"}),
		ValueForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "agentforge_agent_call_value_wei_total",
			Help: "Total wei forwarded to agent receivers (float approximation)",
		}),
		LogsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentforge_logs_emitted_total",
			Help: "Total number of committed event logs, labeled by contract and event",
		}, []string{"contract", "event"}),
		RelayPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentforge_relay_publishes_total",
			Help: "Total relay publish attempts, labeled by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveTransaction(method, status string, durationSeconds float64) {
	m.Transactions.WithLabelValues(method, status).Inc()
	m.TxLatency.WithLabelValues(method).Observe(durationSeconds)
}

func (m *Metrics) IncrementRevert(kind string) {
	m.Reverts.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementLogs(contract, event string) {
	m.LogsEmitted.WithLabelValues(contract, event).Inc()
}

func (m *Metrics) AddValueForwarded(wei float64) {
	m.ValueForwarded.Add(wei)
}

func (m *Metrics) IncrementRelayPublish(result string) {
	m.RelayPublishes.WithLabelValues(result).Inc()
}
