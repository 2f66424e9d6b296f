// Package monitor periodically scans for deadline units that have slipped
// into the computed overdue view and feeds them to the decision engine.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/decision"
	"github.com/forfeit-sh/forfeit/pkg/notify"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

// defaultScanInterval is how often the monitor scans for overdue units.
const defaultScanInterval = 60 * time.Second

// Monitor resolves overdue units to FAILED and evaluates their stakes.
// Multiple instances may scan concurrently: the conditional MarkFailed
// means only one instance transitions a given unit, and even when both
// enqueue the same unit for evaluation (at-least-once is fine here) the
// consequence store's uniqueness constraint collapses the duplicates.
type Monitor struct {
	units  store.UnitStore
	engine *decision.Engine
	push   notify.PushChannel

	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	scanDuration   metric.Float64Histogram
	overdueCounter metric.Int64Counter
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the scan interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithClock overrides the monitor's clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(units store.UnitStore, engine *decision.Engine, push notify.PushChannel, opts ...Option) *Monitor {
	m := &Monitor{
		units:    units,
		engine:   engine,
		push:     push,
		interval: defaultScanInterval,
		logger:   slog.Default().With("component", "monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	meter := otel.Meter("forfeit/monitor")
	m.scanDuration, _ = meter.Float64Histogram("forfeit.monitor.scan.duration",
		metric.WithDescription("Duration of one overdue scan"),
		metric.WithUnit("s"),
	)
	m.overdueCounter, _ = meter.Int64Counter("forfeit.monitor.overdue.total",
		metric.WithDescription("Total overdue units detected"),
		metric.WithUnit("{unit}"),
	)
	return m
}

// Run scans on a fixed interval until ctx is cancelled. The first scan
// fires immediately so restarts do not add a full interval of latency.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan performs one pass: list the overdue view, resolve each unit to
// FAILED with an optimistic conditional write, then evaluate its stakes.
// Detection always happens-before evaluation for a given unit; across
// units there is no ordering guarantee and none is needed.
func (m *Monitor) Scan(ctx context.Context) {
	start := m.now()
	defer func() {
		m.scanDuration.Record(ctx, m.now().Sub(start).Seconds())
	}()

	now := m.now().UTC()
	units, err := m.units.ListOverdue(ctx, now)
	if err != nil {
		m.logger.ErrorContext(ctx, "overdue scan failed", "error", err)
		return
	}
	if len(units) == 0 {
		return
	}
	m.overdueCounter.Add(ctx, int64(len(units)))
	m.logger.InfoContext(ctx, "overdue units detected", "count", len(units))

	// Group by owner so one owner's pile of expired units is handled as
	// a batch and a noisy owner cannot interleave with everyone else.
	byOwner := make(map[string][]*contracts.DeadlineUnit)
	for _, unit := range units {
		byOwner[unit.OwnerID] = append(byOwner[unit.OwnerID], unit)
	}
	for owner, batch := range byOwner {
		if ctx.Err() != nil {
			return
		}
		m.logger.DebugContext(ctx, "resolving overdue batch", "owner_id", owner, "count", len(batch))
		for _, unit := range batch {
			m.evaluate(ctx, unit, now)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, unit *contracts.DeadlineUnit, now time.Time) {
	ok, err := m.units.MarkFailed(ctx, unit.ID, now)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to resolve overdue unit",
			"unit_id", unit.ID, "error", err)
		return
	}
	if !ok {
		// Another scanner or a late submission transitioned it first. A
		// concurrent scanner leaves it FAILED and evaluation stays safe
		// (the consequence store deduplicates), but a submission that
		// raced in means the unit is no longer failed and must not be
		// penalized. Re-fetch to tell the two apart.
		current, err := m.units.GetUnit(ctx, unit.ID)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to re-fetch contested unit",
				"unit_id", unit.ID, "error", err)
			return
		}
		if current.Status != contracts.UnitFailed {
			m.logger.DebugContext(ctx, "unit no longer overdue, skipping",
				"unit_id", unit.ID, "status", current.Status)
			return
		}
	}
	unit.Status = contracts.UnitFailed

	created, err := m.engine.Evaluate(ctx, unit)
	if err != nil {
		m.logger.ErrorContext(ctx, "consequence evaluation failed",
			"unit_id", unit.ID, "error", err)
		return
	}
	// Spared records are finished the moment they are inserted; announce
	// them here. Executed-bound ones are announced by the executor when the
	// collaborator call lands.
	for _, rec := range created {
		if rec.ExecutionStatus != contracts.ExecutionCompleted || m.push == nil {
			continue
		}
		ev := notify.Event{OwnerID: rec.OwnerID, RecordID: rec.ID}
		if err := m.push.Publish(ctx, ev); err != nil {
			m.logger.WarnContext(ctx, "push publish failed", "consequence_id", rec.ID, "error", err)
		}
	}
}
