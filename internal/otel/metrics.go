package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce   sync.Once
	taskOpsCounter    metric.Int64Counter
	taskExecHistogram metric.Float64Histogram
	busEventsCounter  metric.Int64Counter

	sseConnectionsGauge metric.Int64ObservableGauge
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("lexos_task_operations_total", metric.WithDescription("Total task operations (submit, dispatch, cancel)"))
		if err != nil {
			return
		}
		taskExecHistogram, err = m.Float64Histogram("lexos_task_execution_seconds", metric.WithDescription("Task execution time in seconds"))
		if err != nil {
			return
		}
		busEventsCounter, err = m.Int64Counter("lexos_bus_events_total", metric.WithDescription("Total events published to the bus"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("lexos_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordTaskOp records a task operation (submit, dispatch, cancel) and the
// task status it produced.
func RecordTaskOp(ctx context.Context, op, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		AttrOperation.String(op),
		AttrStatus.String(status),
	))
}

// RecordTaskExecution records one finished execution and its duration.
func RecordTaskExecution(ctx context.Context, agent, status string, seconds float64) {
	if taskExecHistogram == nil {
		return
	}
	taskExecHistogram.Record(ctx, seconds, metric.WithAttributes(
		AttrAgent.String(agent),
		AttrStatus.String(status),
	))
}

// RecordBusEvent records one event published to the internal bus.
func RecordBusEvent(ctx context.Context, eventType string) {
	if busEventsCounter == nil {
		return
	}
	busEventsCounter.Add(ctx, 1, metric.WithAttributes(AttrType.String(eventType)))
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on
// unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// TaskCountFunc returns task totals by status for the lexos_tasks_total
// gauge.
type TaskCountFunc func() (queued, running, completed, failed, cancelled int64)

// QueueDepthFunc returns live queue depth per priority for the
// lexos_queue_depth gauge: urgent, high, normal, low.
type QueueDepthFunc func() (urgent, high, normal, low int)

// InitMetricsWithEngine creates the instruments and registers the engine
// gauges. Call after InitMeterProvider. Nil funcs skip their gauge.
func InitMetricsWithEngine(ctx context.Context, taskCount TaskCountFunc, queueDepth QueueDepthFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	m := Meter()
	if taskCount != nil {
		tasksGauge, err := m.Int64ObservableGauge("lexos_tasks_total", metric.WithDescription("Number of tasks by status"))
		if err != nil {
			return err
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			queued, running, completed, failed, cancelled := taskCount()
			o.ObserveInt64(tasksGauge, queued, metric.WithAttributes(AttrStatus.String("queued")))
			o.ObserveInt64(tasksGauge, running, metric.WithAttributes(AttrStatus.String("running")))
			o.ObserveInt64(tasksGauge, completed, metric.WithAttributes(AttrStatus.String("completed")))
			o.ObserveInt64(tasksGauge, failed, metric.WithAttributes(AttrStatus.String("failed")))
			o.ObserveInt64(tasksGauge, cancelled, metric.WithAttributes(AttrStatus.String("cancelled")))
			return nil
		}, tasksGauge)
		if err != nil {
			return err
		}
	}
	if queueDepth != nil {
		depthGauge, err := m.Int64ObservableGauge("lexos_queue_depth", metric.WithDescription("Queued tasks per priority"))
		if err != nil {
			return err
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			urgent, high, normal, low := queueDepth()
			o.ObserveInt64(depthGauge, int64(urgent), metric.WithAttributes(AttrPriority.String("urgent")))
			o.ObserveInt64(depthGauge, int64(high), metric.WithAttributes(AttrPriority.String("high")))
			o.ObserveInt64(depthGauge, int64(normal), metric.WithAttributes(AttrPriority.String("normal")))
			o.ObserveInt64(depthGauge, int64(low), metric.WithAttributes(AttrPriority.String("low")))
			return nil
		}, depthGauge)
		if err != nil {
			return err
		}
	}
	return nil
}
