package observer

import (
	"context"
	"fmt"
	"time"

	yodoca "github.com/yodoca/yodoca"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgent wraps any Agent to emit OTEL lifecycle spans, metrics, and
// logs. The wrapper creates a parent span for each Execute call that contains
// all inner operations (LLM calls, tool executions) as child spans via
// context propagation.
type ObservedAgent struct {
	inner yodoca.Agent
	inst  *Instruments
}

// WrapAgent returns an instrumented Agent that emits lifecycle telemetry.
func WrapAgent(inner yodoca.Agent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Name() string        { return o.inner.Name() }
func (o *ObservedAgent) Description() string { return o.inner.Description() }

// Execute wraps the inner agent's Execute, emitting an agent.execute span
// that serves as the parent for all inner operations.
func (o *ObservedAgent) Execute(ctx context.Context, task yodoca.AgentTask) (yodoca.AgentResult, error) {
	ctx, span, start := o.begin(ctx)
	defer span.End()

	result, err := o.inner.Execute(ctx, task)

	o.finish(ctx, span, start, result, err)
	return result, err
}

// ExecuteStream instruments streamed execution the same way. When the inner
// agent does not stream, it falls back to Execute and closes ch itself.
func (o *ObservedAgent) ExecuteStream(ctx context.Context, task yodoca.AgentTask, ch chan<- yodoca.StreamEvent) (yodoca.AgentResult, error) {
	ctx, span, start := o.begin(ctx)
	defer span.End()

	var result yodoca.AgentResult
	var err error
	if sa, ok := o.inner.(yodoca.StreamingAgent); ok {
		result, err = sa.ExecuteStream(ctx, task, ch)
	} else {
		result, err = o.inner.Execute(ctx, task)
		if err == nil {
			ch <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: result.Output}
		}
		close(ch)
	}

	o.finish(ctx, span, start, result, err)
	return result, err
}

func (o *ObservedAgent) begin(ctx context.Context) (context.Context, trace.Span, time.Time) {
	ctx, span := o.inst.Tracer.Start(ctx, "agent.execute", trace.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		AttrAgentType.String(detectAgentType(o.inner)),
	))
	span.AddEvent("agent.started")
	return ctx, span, time.Now()
}

func (o *ObservedAgent) finish(ctx context.Context, span trace.Span, start time.Time, result yodoca.AgentResult, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("agent.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("agent.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("agent.completed")
	}

	span.SetAttributes(
		AttrAgentStatus.String(status),
		AttrAgentSteps.Int(len(result.Steps)),
		AttrInputTokens.Int(result.Usage.InputTokens),
		AttrOutputTokens.Int(result.Usage.OutputTokens),
	)

	o.inst.AgentExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent execution completed"))
	rec.AddAttributes(
		otellog.String("agent.name", o.inner.Name()),
		otellog.String("agent.status", status),
		otellog.Int("agent.steps", len(result.Steps)),
		otellog.Int("tokens.input", result.Usage.InputTokens),
		otellog.Int("tokens.output", result.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// detectAgentType returns a string identifier for the agent's concrete type.
func detectAgentType(a yodoca.Agent) string {
	switch a.(type) {
	case *yodoca.LLMAgent:
		return "LLMAgent"
	default:
		return fmt.Sprintf("%T", a)
	}
}

var (
	_ yodoca.Agent          = (*ObservedAgent)(nil)
	_ yodoca.StreamingAgent = (*ObservedAgent)(nil)
)
