package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setup(t *testing.T) (Recorder, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("meter provider shutdown: %v", err)
		}
	})
	r, err := New(provider)
	require.NoError(t, err)
	return r, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestTaskRunCountsErrors(t *testing.T) {
	r, reader := setup(t)
	ctx := context.Background()

	r.TaskRun(ctx, "sync", 5*time.Millisecond, nil)
	r.TaskRun(ctx, "sync", 7*time.Millisecond, errors.New("failed"))

	rm := collect(t, reader)
	assert.EqualValues(t, 2, sumOf(t, findMetric(rm, "runtimekit.task.runs")))
	assert.EqualValues(t, 1, sumOf(t, findMetric(rm, "runtimekit.task.errors")))

	lat := findMetric(rm, "runtimekit.task.latency_ms")
	require.NotNil(t, lat)
	hist, ok := lat.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 2, hist.DataPoints[0].Count)
}

func TestEventDispatchCountsDeliveries(t *testing.T) {
	r, reader := setup(t)
	ctx := context.Background()

	r.EventDispatched(ctx, "user.joined", 3, false)
	r.EventDispatched(ctx, "user.joined", 2, true)
	r.HandlerFailed(ctx, "user.joined")

	rm := collect(t, reader)
	assert.EqualValues(t, 2, sumOf(t, findMetric(rm, "runtimekit.event.fired")))
	assert.EqualValues(t, 5, sumOf(t, findMetric(rm, "runtimekit.event.deliveries")))
	assert.EqualValues(t, 1, sumOf(t, findMetric(rm, "runtimekit.event.handler_errors")))
}

func TestTaskLifecycleCounters(t *testing.T) {
	r, reader := setup(t)
	ctx := context.Background()

	r.TaskScheduled(ctx, "a", true)
	r.TaskSkipped(ctx, "a")
	r.TaskCancelled(ctx, "a")

	rm := collect(t, reader)
	assert.EqualValues(t, 1, sumOf(t, findMetric(rm, "runtimekit.task.scheduled")))
	assert.EqualValues(t, 1, sumOf(t, findMetric(rm, "runtimekit.task.skipped")))
	assert.EqualValues(t, 1, sumOf(t, findMetric(rm, "runtimekit.task.cancelled")))
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.TaskRun(context.Background(), "x", time.Second, errors.New("ignored"))
}
