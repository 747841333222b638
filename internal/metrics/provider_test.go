package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p, err := New(mp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, reader
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				return total
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

func TestRecordJobOutcomeIncrementsCounterAndHistogram(t *testing.T) {
	ctx := context.Background()
	p, reader := newTestProvider(t)

	p.RecordJobOutcome(ctx, "success", "text-embed-3", 42)
	p.RecordJobOutcome(ctx, "dead_letter", "text-embed-3", 100)

	rm, err := reader.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumValue(t, rm, "embedding_job_outcomes_total"); got != 2 {
		t.Errorf("embedding_job_outcomes_total = %d, want 2", got)
	}
}

func TestRecordBackfillBatchIncrementsCounters(t *testing.T) {
	ctx := context.Background()
	p, reader := newTestProvider(t)

	p.RecordBackfillBatch(ctx, "model-a|*|*", 10, 4)

	rm, err := reader.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumValue(t, rm, "embedding_backfill_scanned_total"); got != 10 {
		t.Errorf("scanned total = %d, want 10", got)
	}
	if got := sumValue(t, rm, "embedding_backfill_enqueued_total"); got != 4 {
		t.Errorf("enqueued total = %d, want 4", got)
	}
}

func TestRecordTracksFallback(t *testing.T) {
	ctx := context.Background()
	p, reader := newTestProvider(t)

	p.Record(ctx, 50, false, "")
	p.Record(ctx, 80, true, "fts_error")

	rm, err := reader.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumValue(t, rm, "memory_retrieval_requests_total"); got != 2 {
		t.Errorf("requests total = %d, want 2", got)
	}
	if got := sumValue(t, rm, "memory_retrieval_fallback_total"); got != 1 {
		t.Errorf("fallback total = %d, want 1", got)
	}
}
