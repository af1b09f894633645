package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts billing outcomes. A nil *Metrics records nothing.
type Metrics struct {
	installments *prometheus.CounterVec
	slips        *prometheus.CounterVec
	skipped      *prometheus.CounterVec
}

// NewMetrics registers billing collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	installments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_installments_total",
		Help: "Installment writes partitioned by flow and result.",
	}, []string{"flow", "result"})
	slips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_slip_requests_total",
		Help: "Payment slip gateway calls partitioned by result.",
	}, []string{"result"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_installments_skipped_total",
		Help: "Installments not created partitioned by reason.",
	}, []string{"reason"})
	registerer.MustRegister(installments, slips, skipped)
	return &Metrics{installments: installments, slips: slips, skipped: skipped}
}

func (m *Metrics) installment(flow string, err error) {
	if m == nil {
		return
	}
	result := "created"
	if err != nil {
		result = "failed"
	}
	m.installments.WithLabelValues(flow, result).Inc()
}

func (m *Metrics) slip(result string) {
	if m == nil {
		return
	}
	m.slips.WithLabelValues(result).Inc()
}

func (m *Metrics) skip(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}
