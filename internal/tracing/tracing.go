// Package tracing wraps the sync-apply boundary (sync.Applier.SaveState) in
// an opentracing span so a crash partway through a multi-room saveState can be
// correlated back to the offending room via a trace ID in the logs.
package tracing

import (
	"context"
	"io"

	"github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	jaegerlog "github.com/uber/jaeger-lib/metrics"
)

// Setup installs a Jaeger tracer as the global opentracing.Tracer, sampling
// every trace (suitable for a client-side cache's low event volume compared
// to a server). The returned closer flushes buffered spans and must be
// closed on client shutdown.
func Setup(serviceName string) (io.Closer, error) {
	cfg := jaegercfg.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegercfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: false,
		},
	}
	tracer, closer, err := cfg.NewTracer(jaegercfg.Metrics(jaegerlog.NullFactory))
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

// StartSpan starts a child span under the span already present in ctx, if
// any, falling back to the global tracer's root span otherwise. The caller
// must call the returned finish function on every exit path.
func StartSpan(ctx context.Context, operation string) (context.Context, func()) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, operation)
	return spanCtx, span.Finish
}

// Tag annotates the span embedded in ctx, if any, with a key/value pair.
// It is a no-op when ctx carries no span, which keeps call sites simple in
// code paths that may run outside a traced request.
func Tag(ctx context.Context, key string, value interface{}) {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.SetTag(key, value)
	}
}

// LogError records err on the span embedded in ctx, if any.
func LogError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.SetTag("error", true)
		span.LogKV("event", "error", "message", err.Error())
	}
}
