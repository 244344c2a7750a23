// Package tracing wires OpenTelemetry around the two hot paths: LLM calls
// and tool executions. With no exporter endpoint configured everything
// no-ops through the global tracer provider.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "nanoswarm"

// Config selects the exporter. Empty Endpoint disables tracing.
type Config struct {
	Endpoint string // host:port of an OTLP collector
	Protocol string // "grpc" (default) or "http"
	Insecure bool
}

// Setup installs a tracer provider and returns its shutdown func. With no
// endpoint it installs nothing and returns a no-op.
func Setup(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Span wraps an otel span with the end-with-error idiom the engine uses.
type Span struct {
	span  trace.Span
	start time.Time
}

// End records the outcome and closes the span.
func (s Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.start).Milliseconds()))
	s.span.End()
}

// StartLLMSpan opens a span around one streaming completion.
func StartLLMSpan(ctx context.Context, agent, model string, messageCount int) (context.Context, Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.stream",
		trace.WithAttributes(
			attribute.String("agent.name", agent),
			attribute.String("llm.model", model),
			attribute.Int("llm.message_count", messageCount),
		))
	return ctx, Span{span: span, start: time.Now()}
}

// StartToolSpan opens a span around one tool execution.
func StartToolSpan(ctx context.Context, agent, tool, callID string) (context.Context, Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("agent.name", agent),
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", callID),
		))
	return ctx, Span{span: span, start: time.Now()}
}
