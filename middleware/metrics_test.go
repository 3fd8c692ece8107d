package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/msgq"
	mw "github.com/xraph/msgq/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsString(), true
		}
	}
	return "", false
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestOp(), func(_ context.Context) error {
		return nil
	})

	metric := findMetric(collectMetrics(t, reader), "msgq.op.duration")
	if metric == nil {
		t.Fatal("msgq.op.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one recorded duration, got %+v", hist.DataPoints)
	}
}

func TestMetrics_StatusAttribute(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ok", nil, "ok"},
		{"would block", msgq.ErrWouldBlock, "would_block"},
		{"gone", msgq.ErrChannelGone, "not_found"},
		{"internal", errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))

			_ = m(context.Background(), newTestOp(), func(_ context.Context) error {
				return tt.err
			})

			metric := findMetric(collectMetrics(t, reader), "msgq.op.count")
			if metric == nil {
				t.Fatal("msgq.op.count metric not found")
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("expected a single count of 1, got %+v", sum.DataPoints)
			}

			attrs := sum.DataPoints[0].Attributes.ToSlice()
			if got, _ := attrValue(attrs, "status"); got != tt.want {
				t.Errorf("status = %q, want %q", got, tt.want)
			}
			if got, _ := attrValue(attrs, "op"); got != "push" {
				t.Errorf("op = %q, want push", got)
			}
			if got, _ := attrValue(attrs, "key"); got != "42" {
				t.Errorf("key = %q, want 42", got)
			}
		})
	}
}

func TestMetrics_RecordsBytesOnSuccess(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	op := newTestOp()
	_ = m(context.Background(), op, func(_ context.Context) error {
		op.Bytes = 128
		return nil
	})
	_ = m(context.Background(), newTestOp(), func(_ context.Context) error {
		return msgq.ErrWouldBlock
	})

	metric := findMetric(collectMetrics(t, reader), "msgq.op.bytes")
	if metric == nil {
		t.Fatal("msgq.op.bytes metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 128 {
		t.Errorf("expected 128 bytes, got %d", total)
	}
}
