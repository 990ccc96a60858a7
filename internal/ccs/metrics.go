package ccs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the session counters. A nil *Metrics records nothing.
type Metrics struct {
	inbound          *prometheus.CounterVec
	receiptsSent     *prometheus.CounterVec
	receiptsReceived *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	downstream       *prometheus.CounterVec
	pending          prometheus.Gauge
	lifecycle        *prometheus.CounterVec
}

// NewMetrics creates the session metrics and registers them on reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccs_inbound_total",
			Help: "Inbound payloads by kind (data, ack, nack, unrecognized).",
		}, []string{"kind"}),
		receiptsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccs_receipts_sent_total",
			Help: "Acks and nacks sent for upstream messages.",
		}, []string{"type"}),
		receiptsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccs_receipts_received_total",
			Help: "Acks and nacks received for downstream messages.",
		}, []string{"type"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ccs_decode_errors_total",
			Help: "Inbound payloads dropped because they could not be decoded.",
		}),
		downstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccs_downstream_sent_total",
			Help: "Downstream send attempts by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccs_pending_messages",
			Help: "Downstream messages awaiting a receipt.",
		}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccs_lifecycle_events_total",
			Help: "Transport lifecycle events by kind.",
		}, []string{"event"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.inbound, m.receiptsSent, m.receiptsReceived, m.decodeErrors,
			m.downstream, m.pending, m.lifecycle,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeInbound(kind string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeReceiptSent(typ ReceiptType) {
	if m == nil {
		return
	}
	m.receiptsSent.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) observeReceiptReceived(typ ReceiptType) {
	if m == nil {
		return
	}
	m.receiptsReceived.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) observeDecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) observeDownstream(result string) {
	if m == nil {
		return
	}
	m.downstream.WithLabelValues(result).Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) observeLifecycle(event string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(event).Inc()
}
