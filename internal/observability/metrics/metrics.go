// Package metrics records scheduler and event-dispatch metrics with OpenTelemetry.
//
// Use New() for OTel metrics or Noop{} when disabled.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "runtimekit"

// Recorder records runtimekit metrics.
type Recorder interface {
	// TaskScheduled records a task accepted by the scheduler.
	TaskScheduled(ctx context.Context, name string, repeating bool)

	// TaskRun records one execution of a task body.
	TaskRun(ctx context.Context, name string, duration time.Duration, err error)

	// TaskSkipped records a repeating firing dropped because the previous run was still in flight.
	TaskSkipped(ctx context.Context, name string)

	// TaskCancelled records an explicit or shutdown cancellation.
	TaskCancelled(ctx context.Context, name string)

	// EventDispatched records one fired event and how many subscriptions matched it.
	EventDispatched(ctx context.Context, kind string, subscribers int, async bool)

	// HandlerFailed records a handler, filter or expiry callback failure.
	HandlerFailed(ctx context.Context, kind string)
}

type otelRecorder struct {
	tasksScheduled  metric.Int64Counter
	taskRuns        metric.Int64Counter
	taskErrors      metric.Int64Counter
	taskLatency     metric.Float64Histogram
	tasksSkipped    metric.Int64Counter
	tasksCancelled  metric.Int64Counter
	eventsFired     metric.Int64Counter
	eventDeliveries metric.Int64Counter
	handlerErrors   metric.Int64Counter
}

// New creates an OTel-backed recorder. A nil provider means the global one:
//
//	otel.SetMeterProvider(yourProvider)
func New(mp metric.MeterProvider) (Recorder, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	r := &otelRecorder{}
	var err error
	if r.tasksScheduled, err = meter.Int64Counter("runtimekit.task.scheduled",
		metric.WithDescription("Number of tasks accepted by the scheduler"),
	); err != nil {
		return nil, err
	}
	if r.taskRuns, err = meter.Int64Counter("runtimekit.task.runs",
		metric.WithDescription("Number of task body executions"),
	); err != nil {
		return nil, err
	}
	if r.taskErrors, err = meter.Int64Counter("runtimekit.task.errors",
		metric.WithDescription("Number of task body executions that failed"),
	); err != nil {
		return nil, err
	}
	if r.taskLatency, err = meter.Float64Histogram("runtimekit.task.latency_ms",
		metric.WithDescription("Task body latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if r.tasksSkipped, err = meter.Int64Counter("runtimekit.task.skipped",
		metric.WithDescription("Repeating firings skipped due to overlap"),
	); err != nil {
		return nil, err
	}
	if r.tasksCancelled, err = meter.Int64Counter("runtimekit.task.cancelled",
		metric.WithDescription("Number of cancelled tasks"),
	); err != nil {
		return nil, err
	}
	if r.eventsFired, err = meter.Int64Counter("runtimekit.event.fired",
		metric.WithDescription("Number of fired events"),
	); err != nil {
		return nil, err
	}
	if r.eventDeliveries, err = meter.Int64Counter("runtimekit.event.deliveries",
		metric.WithDescription("Number of subscription invocations scheduled by dispatch"),
	); err != nil {
		return nil, err
	}
	if r.handlerErrors, err = meter.Int64Counter("runtimekit.event.handler_errors",
		metric.WithDescription("Number of failed handlers, filters and expiry callbacks"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *otelRecorder) TaskScheduled(ctx context.Context, name string, repeating bool) {
	r.tasksScheduled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", name),
		attribute.Bool("repeating", repeating),
	))
}

func (r *otelRecorder) TaskRun(ctx context.Context, name string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("task", name))
	r.taskRuns.Add(ctx, 1, attrs)
	r.taskLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		r.taskErrors.Add(ctx, 1, attrs)
	}
}

func (r *otelRecorder) TaskSkipped(ctx context.Context, name string) {
	r.tasksSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))
}

func (r *otelRecorder) TaskCancelled(ctx context.Context, name string) {
	r.tasksCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("task", name)))
}

func (r *otelRecorder) EventDispatched(ctx context.Context, kind string, subscribers int, async bool) {
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("async", async),
	)
	r.eventsFired.Add(ctx, 1, attrs)
	r.eventDeliveries.Add(ctx, int64(subscribers), attrs)
}

func (r *otelRecorder) HandlerFailed(ctx context.Context, kind string) {
	r.handlerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Noop discards everything.
type Noop struct{}

func (Noop) TaskScheduled(context.Context, string, bool)           {}
func (Noop) TaskRun(context.Context, string, time.Duration, error) {}
func (Noop) TaskSkipped(context.Context, string)                   {}
func (Noop) TaskCancelled(context.Context, string)                 {}
func (Noop) EventDispatched(context.Context, string, int, bool)    {}
func (Noop) HandlerFailed(context.Context, string)                 {}
