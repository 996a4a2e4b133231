// Package projection implements the read-only projection API (C7, spec
// §4.6): a snapshot of mode/state/breaker_state, the tail of recent
// events, pending-approval aggregates, the order list, and rolling KPIs.
// It never mutates. Each part of a snapshot is read by its own query
// against the shared bus database, with no transaction spanning them, so
// under concurrent worker writes the parts may reflect different moments.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/marketlab/ctlplane/internal/approval"
	"github.com/marketlab/ctlplane/internal/bus"
	"github.com/marketlab/ctlplane/internal/orders"
)

const defaultEventLimit = 200

// OrderCounts summarizes the order book by state for the dashboard.
type OrderCounts map[orders.State]int

// KPIs are the rolling counters spec §4.6 calls for.
type KPIs struct {
	EventsPerMinute     float64
	CommandSuccessCount int
	CommandErrorCount   int
}

// Snapshot is the read-only view handed to dashboards and operational menus.
type Snapshot struct {
	Mode             string
	State            string
	BreakerState     string
	Events           []bus.Event
	PendingApprovals approval.PendingSummary
	Orders           []*orders.Ticket
	OrderCounts      OrderCounts
	ConnectionHealth string // placeholder: market-data/brokerage adapters are out of scope
	KPIs             KPIs
	TakenAt          time.Time
}

// Projection builds read-only snapshots over the shared bus, order store,
// and approval ledger.
type Projection struct {
	bus    *bus.Store
	orders *orders.Store
	ledger *approval.Ledger
	now    func() time.Time
}

// New constructs a Projection.
func New(b *bus.Store, o *orders.Store, l *approval.Ledger) *Projection {
	return &Projection{bus: b, orders: o, ledger: l, now: time.Now}
}

// Snapshot builds a full read-only snapshot.
func (p *Projection) Snapshot(ctx context.Context) (*Snapshot, error) {
	mode, _, err := p.bus.GetState(ctx, "mode")
	if err != nil {
		return nil, fmt.Errorf("projection: get mode: %w", err)
	}
	state, _, err := p.bus.GetState(ctx, "state")
	if err != nil {
		return nil, fmt.Errorf("projection: get state: %w", err)
	}
	breakerState, _, err := p.bus.GetState(ctx, "breaker_state")
	if err != nil {
		return nil, fmt.Errorf("projection: get breaker_state: %w", err)
	}

	events, err := p.bus.TailEvents(ctx, defaultEventLimit, nil)
	if err != nil {
		return nil, fmt.Errorf("projection: tail events: %w", err)
	}

	pending, err := p.ledger.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection: pending approvals: %w", err)
	}

	tickets := p.orders.List()
	counts := OrderCounts{}
	for _, t := range tickets {
		counts[t.State]++
	}

	kpis := computeKPIs(events, p.now())

	return &Snapshot{
		Mode:             orDefault(mode, "paper"),
		State:            orDefault(state, "RUN"),
		BreakerState:     orDefault(breakerState, "ok"),
		Events:           events,
		PendingApprovals: pending,
		Orders:           tickets,
		OrderCounts:      counts,
		ConnectionHealth: "unknown", // no market-data adapter wired in this spec's scope
		KPIs:             kpis,
		TakenAt:          p.now(),
	}, nil
}

func computeKPIs(events []bus.Event, now time.Time) KPIs {
	var k KPIs
	cutoff := now.Add(-time.Minute).Unix()
	var recentCount int
	for _, e := range events {
		if e.TS < cutoff {
			continue
		}
		recentCount++
		switch e.Level {
		case bus.LevelOK:
			k.CommandSuccessCount++
		case bus.LevelError:
			k.CommandErrorCount++
		}
	}
	k.EventsPerMinute = float64(recentCount)
	return k
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
