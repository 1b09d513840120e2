package observe

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder captures the status code written by the downstream handler.
// It deliberately does not implement http.Hijacker; websocket routes must be
// registered outside this middleware.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// routeLabel collapses per-call path segments so span names and metric
// attributes stay bounded regardless of how many calls this instance serves.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/sessions/"):
		return "/sessions/{id}"
	case strings.HasPrefix(path, "/media-stream/"):
		return "/media-stream/{id}"
	}
	return path
}

// Middleware instruments the HTTP surface: it continues any W3C trace
// context from the request headers, spans the request, records its duration
// to [Metrics.HTTPRequestDuration] keyed by method and normalized route, and
// logs completion with the trace attached. The trace ID is echoed back as
// X-Correlation-ID.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeLabel(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if tid := TraceID(ctx); tid != "" {
				w.Header().Set("X-Correlation-ID", tid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			Logger(ctx).Info("request completed",
				"method", r.Method,
				"route", route,
				"status", rec.statusCode,
				"duration", duration,
			)
		})
	}
}
