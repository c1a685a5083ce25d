package observer

import (
	"context"
	"time"

	yodoca "github.com/yodoca/yodoca"

	"go.opentelemetry.io/otel/metric"
)

// BusHook returns a callback shaped for the event bus's dispatch hook. It
// counts terminal journal statuses and records delivery duration per topic.
func (i *Instruments) BusHook() func(topic string, status yodoca.EventStatus, d time.Duration) {
	return func(topic string, status yodoca.EventStatus, d time.Duration) {
		ctx := context.Background()
		i.BusDispatched.Add(ctx, 1, metric.WithAttributes(
			AttrBusTopic.String(topic),
			AttrBusStatus.String(string(status)),
		))
		i.BusDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrBusTopic.String(topic),
		))
	}
}

// StepHook returns a callback shaped for the task engine's step hook. It
// counts executed steps and records per-step duration labelled by outcome.
func (i *Instruments) StepHook() func(taskID string, stepNo int, outcome string, d time.Duration) {
	return func(taskID string, stepNo int, outcome string, d time.Duration) {
		ctx := context.Background()
		i.TaskSteps.Add(ctx, 1, metric.WithAttributes(
			AttrTaskStatus.String(outcome),
		))
		i.StepDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
			AttrTaskStatus.String(outcome),
		))
	}
}
