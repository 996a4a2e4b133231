package projection

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Collector adapts a Projection to prometheus.Collector, computing fresh
// values on every scrape rather than maintaining separately-updated
// counters — the snapshot is already the single source of truth.
type Collector struct {
	p *Projection

	breakerStateDesc     *prometheus.Desc
	pendingApprovalsDesc *prometheus.Desc
	eventsPerMinuteDesc  *prometheus.Desc
	commandSuccessDesc   *prometheus.Desc
	commandErrorDesc     *prometheus.Desc
	orderStateDesc       *prometheus.Desc
}

// NewCollector wraps p for registration with a prometheus.Registry.
func NewCollector(p *Projection) *Collector {
	return &Collector{
		p: p,
		breakerStateDesc: prometheus.NewDesc(
			"ctlplane_breaker_state", "Circuit breaker state (0=ok, 1=tripped, 2=killswitch)", nil, nil),
		pendingApprovalsDesc: prometheus.NewDesc(
			"ctlplane_pending_approvals", "Count of non-terminal approvals", nil, nil),
		eventsPerMinuteDesc: prometheus.NewDesc(
			"ctlplane_events_per_minute", "Events emitted in the trailing 60 seconds", nil, nil),
		commandSuccessDesc: prometheus.NewDesc(
			"ctlplane_command_success_total", "Successful command events in the trailing minute", nil, nil),
		commandErrorDesc: prometheus.NewDesc(
			"ctlplane_command_error_total", "Errored command events in the trailing minute", nil, nil),
		orderStateDesc: prometheus.NewDesc(
			"ctlplane_orders", "Order ticket count by state", []string{"state"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerStateDesc
	ch <- c.pendingApprovalsDesc
	ch <- c.eventsPerMinuteDesc
	ch <- c.commandSuccessDesc
	ch <- c.commandErrorDesc
	ch <- c.orderStateDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap, err := c.p.Snapshot(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("projection: metrics snapshot failed")
		return
	}

	ch <- prometheus.MustNewConstMetric(c.breakerStateDesc, prometheus.GaugeValue, breakerStateValue(snap.BreakerState))
	ch <- prometheus.MustNewConstMetric(c.pendingApprovalsDesc, prometheus.GaugeValue, float64(snap.PendingApprovals.Count))
	ch <- prometheus.MustNewConstMetric(c.eventsPerMinuteDesc, prometheus.GaugeValue, snap.KPIs.EventsPerMinute)
	ch <- prometheus.MustNewConstMetric(c.commandSuccessDesc, prometheus.GaugeValue, float64(snap.KPIs.CommandSuccessCount))
	ch <- prometheus.MustNewConstMetric(c.commandErrorDesc, prometheus.GaugeValue, float64(snap.KPIs.CommandErrorCount))
	for state, count := range snap.OrderCounts {
		ch <- prometheus.MustNewConstMetric(c.orderStateDesc, prometheus.GaugeValue, float64(count), string(state))
	}
}

func breakerStateValue(s string) float64 {
	switch s {
	case "tripped":
		return 1
	case "killswitch":
		return 2
	default:
		return 0
	}
}
