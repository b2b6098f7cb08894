package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader is the response header carrying the request's trace id.
const TraceHeader = "X-Trace-ID"

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type adminHandler struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

// Middleware wraps the admin endpoints. Every request is traced as a server
// span (continuing W3C trace context), answered with a [TraceHeader], timed
// into [Metrics.HTTPRequestDuration], and logged at debug level.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &adminHandler{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	if id := TraceID(ctx); id != "" {
		w.Header().Set(TraceHeader, id)
	}
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.next.ServeHTTP(sw, r.WithContext(ctx))

	elapsed := time.Since(start)
	span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("path", r.URL.Path),
	))
	Logger(ctx).Debug("observe: admin request",
		"method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", elapsed)
}
