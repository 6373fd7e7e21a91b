package twophase

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics counts protocol outcomes and watches slot pressure.
type Metrics struct {
	prepared  metric.Int64Counter
	committed metric.Int64Counter
	aborted   metric.Int64Counter
	recovered metric.Int64Counter
}

// NewMetrics registers the two-phase instruments on meter. The slot gauge
// observes the table on collection.
func NewMetrics(meter metric.Meter, table *Table) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.prepared, err = meter.Int64Counter("kyodb.twophase.prepared.total",
		metric.WithDescription("Transactions prepared")); err != nil {
		return nil, fmt.Errorf("failed to create prepared counter: %w", err)
	}
	if m.committed, err = meter.Int64Counter("kyodb.twophase.committed.total",
		metric.WithDescription("Prepared transactions committed")); err != nil {
		return nil, fmt.Errorf("failed to create committed counter: %w", err)
	}
	if m.aborted, err = meter.Int64Counter("kyodb.twophase.aborted.total",
		metric.WithDescription("Prepared transactions aborted")); err != nil {
		return nil, fmt.Errorf("failed to create aborted counter: %w", err)
	}
	if m.recovered, err = meter.Int64Counter("kyodb.twophase.recovered.total",
		metric.WithDescription("Prepared transactions rebuilt at startup")); err != nil {
		return nil, fmt.Errorf("failed to create recovered counter: %w", err)
	}

	slots, err := meter.Int64ObservableGauge("kyodb.twophase.slots.in_use",
		metric.WithDescription("Occupied global transaction table slots"))
	if err != nil {
		return nil, fmt.Errorf("failed to create slot gauge: %w", err)
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(slots, int64(table.InUse()))
		return nil
	}, slots); err != nil {
		return nil, fmt.Errorf("failed to register slot gauge callback: %w", err)
	}
	return m, nil
}

// NopMetrics returns metrics that record nothing, for tests and embedders
// without a meter.
func NopMetrics() *Metrics {
	meter := noop.NewMeterProvider().Meter("twophase")
	prepared, _ := meter.Int64Counter("prepared")
	committed, _ := meter.Int64Counter("committed")
	aborted, _ := meter.Int64Counter("aborted")
	recovered, _ := meter.Int64Counter("recovered")
	return &Metrics{prepared: prepared, committed: committed, aborted: aborted, recovered: recovered}
}

func (m *Metrics) PreparedInc(ctx context.Context)  { m.prepared.Add(ctx, 1) }
func (m *Metrics) CommittedInc(ctx context.Context) { m.committed.Add(ctx, 1) }
func (m *Metrics) AbortedInc(ctx context.Context)   { m.aborted.Add(ctx, 1) }
func (m *Metrics) RecoveredInc()                    { m.recovered.Add(context.Background(), 1) }
