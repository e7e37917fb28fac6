package otel

import "go.opentelemetry.io/otel/metric"

// IngestMetrics are the counters incremented on the report path.
type IngestMetrics struct {
	ReportsIngested metric.Int64Counter
	ReportsRejected metric.Int64Counter
	TasksUpserted   metric.Int64Counter
	CardsCreated    metric.Int64Counter
	CardsMerged     metric.Int64Counter
}

// NewIngestMetrics registers the ingest counters on meter. With a no-op
// meter the counters are free to increment.
func NewIngestMetrics(meter metric.Meter) (*IngestMetrics, error) {
	m := &IngestMetrics{}
	var err error
	if m.ReportsIngested, err = meter.Int64Counter("agentdeck.reports.ingested",
		metric.WithDescription("Reports accepted and applied")); err != nil {
		return nil, err
	}
	if m.ReportsRejected, err = meter.Int64Counter("agentdeck.reports.rejected",
		metric.WithDescription("Reports rejected before apply")); err != nil {
		return nil, err
	}
	if m.TasksUpserted, err = meter.Int64Counter("agentdeck.tasks.upserted",
		metric.WithDescription("Task entries inserted or updated")); err != nil {
		return nil, err
	}
	if m.CardsCreated, err = meter.Int64Counter("agentdeck.cards.created",
		metric.WithDescription("New machine cards created")); err != nil {
		return nil, err
	}
	if m.CardsMerged, err = meter.Int64Counter("agentdeck.cards.merged",
		metric.WithDescription("Machine cards folded by identity resolution")); err != nil {
		return nil, err
	}
	return m, nil
}
