package observe

import (
	"context"
	"net/http"
	"net/http/httptrace"

	"github.com/chinmina/marketplace-session/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport wraps base so that outgoing marketplace requests produce
// client spans and metrics, and carry trace context. Connection-level events
// (DNS, connect, TLS) are added to the span when connection tracing is
// enabled. With telemetry disabled, base is returned unchanged.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return base
	}

	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(SpanName),
	}

	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx, otelhttptrace.WithoutSubSpans())
		}))
	}

	return otelhttp.NewTransport(base, opts...)
}

// SpanName names client spans by method only: request paths embed entity
// identifiers and would make span names unbounded.
func SpanName(_ string, r *http.Request) string {
	return "marketplace " + r.Method
}
