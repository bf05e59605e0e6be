package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls the process-wide tracer provider.
type Config struct {
	ServiceName string

	// Workspace root the bridge serves; attached as a resource attribute
	// so spans from different workspaces can be told apart.
	Workspace string

	// SampleRatio in (0,1]; zero or out-of-range samples everything.
	SampleRatio float64
}

var (
	initOnce sync.Once
	initErr  error

	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
)

// Init installs the global tracer provider for the bridge process. Safe to
// call more than once; only the first call takes effect.
func Init(cfg Config) error {
	initOnce.Do(func() {
		if cfg.ServiceName == "" {
			cfg.ServiceName = "mnemo"
		}
		ratio := cfg.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}

		attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
		if cfg.Workspace != "" {
			attrs = append(attrs, attribute.String("workspace", cfg.Workspace))
		}

		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})
	return initErr
}

// Shutdown flushes and stops the tracer provider installed by Init
func Shutdown(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span at a submit, dispatch, or sweep boundary. The
// operation and workspace identifiers already on the context become span
// attributes, and the span's trace ID is mirrored back into the context so
// LoggerFromContext correlates log lines with the trace.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id := GetOperationID(ctx); id != "" {
		attrs = append(attrs, attribute.String("operation.id", id))
	}
	if ws := GetWorkspace(ctx); ws != "" {
		attrs = append(attrs, attribute.String("workspace", ws))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
