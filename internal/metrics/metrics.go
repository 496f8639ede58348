package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks reference allocation and ticket sales.
type Metrics struct {
	Allocations *prometheus.CounterVec
	Peeks       *prometheus.CounterVec
	Fallbacks   *prometheus.CounterVec
	Resets      prometheus.Counter
	Tickets     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_references_allocated_total",
			Help: "Reference numbers committed by the allocator",
		}, []string{"mode"}),
		Peeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_reference_peeks_total",
			Help: "Non-committing allocator reads",
		}, []string{"mode"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_reference_fallbacks_total",
			Help: "Allocations served from the random fallback after a store failure",
		}, []string{"mode"}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "raffle_counter_resets_total",
			Help: "Administrative counter resets",
		}),
		Tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "raffle_tickets_sold_total",
			Help: "Tickets sold",
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.Allocations, m.Peeks, m.Fallbacks, m.Resets, m.Tickets)
	}
	return m
}
