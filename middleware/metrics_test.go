package middleware

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestMetricsRecordsAttempts(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mw := MetricsWithMeter(provider.Meter("test"))

	ctx := context.Background()
	j := testJob()

	if err := mw(ctx, j, func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("middleware: %v", err)
	}
	if err := mw(ctx, j, func(_ context.Context) error { return errors.New("boom") }); err == nil {
		t.Fatal("middleware swallowed handler error")
	}

	rm := collectMetrics(t, reader)

	attempts, ok := findMetric(rm, "conduit.job.attempts")
	if !ok {
		t.Fatal("conduit.job.attempts not recorded")
	}
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("attempts data type = %T, want Sum[int64]", attempts.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("total attempts = %d, want 2", total)
	}

	if _, ok := findMetric(rm, "conduit.job.duration"); !ok {
		t.Error("conduit.job.duration not recorded")
	}
}

func TestMetricsSplitsByStatus(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mw := MetricsWithMeter(provider.Meter("test"))

	ctx := context.Background()
	j := testJob()

	_ = mw(ctx, j, func(_ context.Context) error { return nil })
	_ = mw(ctx, j, func(_ context.Context) error { return errors.New("boom") })

	rm := collectMetrics(t, reader)
	attempts, ok := findMetric(rm, "conduit.job.attempts")
	if !ok {
		t.Fatal("conduit.job.attempts not recorded")
	}
	sum := attempts.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Errorf("attempt datapoints = %d, want 2 (ok + error)", len(sum.DataPoints))
	}
}
