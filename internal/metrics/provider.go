package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Provider is the OpenTelemetry meter bridge (C14) that mirrors the raw
// SQL-backed counters internal/embedobserve already aggregates into actual
// OTel instruments for external scraping. It implements
// embedqueue.JobOutcomeRecorder, embedbackfill.ProgressRecorder and
// memory.RetrievalMetricsRecorder, so it plugs directly into the
// fire-and-forget hooks those packages already expose; none of them import
// this package, avoiding a dependency cycle back into the domain code.
type Provider struct {
	jobOutcomes       metric.Int64Counter
	jobDuration       metric.Float64Histogram
	backfillScanned   metric.Int64Counter
	backfillEnqueued  metric.Int64Counter
	retrievalRequests metric.Int64Counter
	retrievalFallback metric.Int64Counter
	retrievalDuration metric.Float64Histogram
}

// New builds a Provider from a meter named "agentmemory". meterProvider is
// typically the global otel.GetMeterProvider() result or an SDK-backed
// meter.MeterProvider wired up in cmd/serve.go; the caller owns its
// lifecycle (reader registration, shutdown).
func New(meterProvider metric.MeterProvider) (*Provider, error) {
	meter := meterProvider.Meter("github.com/nextlevelbuilder/agentmemory")

	jobOutcomes, err := meter.Int64Counter("embedding_job_outcomes_total",
		metric.WithDescription("Embedding job terminal outcomes by status and model"))
	if err != nil {
		return nil, fmt.Errorf("metrics: job outcomes counter: %w", err)
	}
	jobDuration, err := meter.Float64Histogram("embedding_job_duration_ms",
		metric.WithDescription("Embedding job processing duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: job duration histogram: %w", err)
	}
	backfillScanned, err := meter.Int64Counter("embedding_backfill_scanned_total",
		metric.WithDescription("Memories scanned by the embedding backfill sweep"))
	if err != nil {
		return nil, fmt.Errorf("metrics: backfill scanned counter: %w", err)
	}
	backfillEnqueued, err := meter.Int64Counter("embedding_backfill_enqueued_total",
		metric.WithDescription("Embedding jobs enqueued by the embedding backfill sweep"))
	if err != nil {
		return nil, fmt.Errorf("metrics: backfill enqueued counter: %w", err)
	}
	retrievalRequests, err := meter.Int64Counter("memory_retrieval_requests_total",
		metric.WithDescription("Memory search requests"))
	if err != nil {
		return nil, fmt.Errorf("metrics: retrieval requests counter: %w", err)
	}
	retrievalFallback, err := meter.Int64Counter("memory_retrieval_fallback_total",
		metric.WithDescription("Memory search requests that fell back from FTS to LIKE"))
	if err != nil {
		return nil, fmt.Errorf("metrics: retrieval fallback counter: %w", err)
	}
	retrievalDuration, err := meter.Float64Histogram("memory_retrieval_duration_ms",
		metric.WithDescription("Memory search duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("metrics: retrieval duration histogram: %w", err)
	}

	return &Provider{
		jobOutcomes:       jobOutcomes,
		jobDuration:       jobDuration,
		backfillScanned:   backfillScanned,
		backfillEnqueued:  backfillEnqueued,
		retrievalRequests: retrievalRequests,
		retrievalFallback: retrievalFallback,
		retrievalDuration: retrievalDuration,
	}, nil
}

// RecordJobOutcome satisfies embedqueue.JobOutcomeRecorder.
func (p *Provider) RecordJobOutcome(ctx context.Context, outcome, model string, durationMs int64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome), modelAttr(model))
	p.jobOutcomes.Add(ctx, 1, attrs)
	p.jobDuration.Record(ctx, float64(durationMs), attrs)
}

// RecordBackfillBatch satisfies embedbackfill.ProgressRecorder.
func (p *Provider) RecordBackfillBatch(ctx context.Context, scopeKey string, scanned, enqueued int) {
	attrs := metric.WithAttributes(scopeAttr(scopeKey))
	p.backfillScanned.Add(ctx, int64(scanned), attrs)
	p.backfillEnqueued.Add(ctx, int64(enqueued), attrs)
}

// Record satisfies memory.RetrievalMetricsRecorder.
func (p *Provider) Record(ctx context.Context, durationMs int64, fellBack bool, fallbackReason string) {
	p.retrievalRequests.Add(ctx, 1)
	p.retrievalDuration.Record(ctx, float64(durationMs))
	if fellBack {
		p.retrievalFallback.Add(ctx, 1, metric.WithAttributes(fallbackReasonAttr(fallbackReason)))
	}
}
