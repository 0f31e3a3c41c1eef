package endpoint

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/chatdispatch/internal/observe"
	"github.com/MrWong99/chatdispatch/pkg/provider/llm"
)

// instrumented wraps an endpoint with per-stream spans and metrics.
type instrumented struct {
	next     llm.Endpoint
	provider string
	model    string
	metrics  *observe.Metrics
}

// Instrument wraps ep so that every stream it returns is traced and counted:
// one span per Generate, a provider request with its final status, the
// stream duration, time to first token, delta count and the active stream
// gauge. provider and model label the recorded data.
func Instrument(ep llm.Endpoint, provider, model string, m *observe.Metrics) llm.Endpoint {
	return &instrumented{next: ep, provider: provider, model: model, metrics: m}
}

// Generate implements llm.Endpoint.
func (e *instrumented) Generate(ctx context.Context, conv llm.Conversation) (*llm.TokenStream, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "endpoint.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("chat.provider", e.provider),
			attribute.String("chat.model", e.model),
			attribute.Int("chat.messages", len(conv.Messages)),
		),
	)

	// innerCtx outlives this call; it is cancelled when the outer stream is
	// closed so that a pending provider read is aborted too.
	innerCtx, cancelInner := context.WithCancel(ctx)
	inner, err := e.next.Generate(innerCtx, conv)
	if err != nil {
		cancelInner()
		e.metrics.RecordProviderRequest(ctx, e.provider, e.model, observe.StatusError)
		e.metrics.RecordProviderError(ctx, e.provider, errorKind(err))
		observe.EndSpan(span, err)
		return nil, err
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", e.provider),
		attribute.String("model", e.model),
	)
	e.metrics.ActiveStreams.Add(ctx, 1, attrs)

	return llm.NewTokenStream(ctx, func(pctx context.Context, emit func(llm.Event) bool) (err error) {
		stop := context.AfterFunc(pctx, cancelInner)
		deltas := 0
		status := observe.StatusOK
		defer func() {
			stop()
			inner.Close()
			cancelInner()

			e.metrics.ActiveStreams.Add(ctx, -1, attrs)
			e.metrics.StreamDuration.Record(ctx, time.Since(start).Seconds(), attrs)
			e.metrics.StreamedDeltas.Add(ctx, int64(deltas), metric.WithAttributes(attribute.String("provider", e.provider)))
			e.metrics.RecordProviderRequest(ctx, e.provider, e.model, status)
			span.SetAttributes(attribute.Int("chat.deltas", deltas), attribute.String("chat.status", status))
			if status != observe.StatusError {
				observe.EndSpan(span, nil)
				return
			}
			e.metrics.RecordProviderError(ctx, e.provider, errorKind(err))
			observe.Logger(ctx).Warn("provider stream failed",
				"provider", e.provider,
				"model", e.model,
				"deltas", deltas,
				"err", err,
			)
			observe.EndSpan(span, err)
		}()

		for inner.Next() {
			ev := inner.Current()
			if ev.Type == llm.EventDelta {
				if deltas == 0 {
					e.metrics.TimeToFirstToken.Record(ctx, time.Since(start).Seconds(), attrs)
				}
				deltas++
			}
			if !emit(ev) {
				status = observe.StatusCanceled
				return pctx.Err()
			}
		}
		if err := inner.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				status = observe.StatusCanceled
			} else {
				status = observe.StatusError
			}
			return err
		}
		return nil
	}), nil
}
