// Package monitoring provides Prometheus metrics, OpenTelemetry tracing,
// and unified structured logging helpers for the application.
package monitoring

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	github_chi_mw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Common namespace for all metrics in the app
	namespace = "condorbridge"

	// logging level: 0=info, 1=debug
	logLevel int32

	// Parser metrics (nmea.Parser / kvtelemetry.Parser error+warning counts)
	ParserErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "errors_total",
			Help:      "Rejected-record count, by parser",
		},
		[]string{"parser"},
	)

	ParserWarnings = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "warnings_total",
			Help:      "Out-of-range-but-accepted record count, by parser",
		},
		[]string{"parser"},
	)

	// Broadcast metrics (broadcast.Hub.Status())
	BroadcastTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast ticks that encoded a snapshot",
		},
	)

	BroadcastBytesSent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to subscribers across all ticks",
		},
	)

	BroadcastErrors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "errors_total",
			Help:      "Encode/send errors observed by the broadcast hub",
		},
	)

	BroadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Currently connected WebSocket subscribers",
		},
	)

	// Source metrics (source.Status), labeled by source name ("serial", "udp")
	SourceConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "connected",
			Help:      "1 if the source currently holds an open handle, else 0",
		},
		[]string{"source"},
	)

	SourceErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Cumulative transport and discarded-record error count",
		},
		[]string{"source"},
	)

	SourceAttempt = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "reconnect_attempt",
			Help:      "Current reconnect attempt number (0 when connected)",
		},
		[]string{"source"},
	)

	// Fused-data freshness (model.Model.IsActive / last update age)
	DataActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_active",
			Help:      "1 if the fused snapshot is fresh, else 0",
		},
	)

	DataLastUpdateAgoSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_last_update_ago_seconds",
			Help:      "Seconds since the most recent ingest from either source",
		},
	)

	// HTTP server metrics (status/metrics endpoints only; no domain API)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		ParserErrors,
		ParserWarnings,
		BroadcastTotal,
		BroadcastBytesSent,
		BroadcastErrors,
		BroadcastSubscribers,
		SourceConnected,
		SourceErrors,
		SourceAttempt,
		DataActive,
		DataLastUpdateAgoSeconds,
		HTTPRequests,
		HTTPDuration,
	)

	// default log level
	SetLogLevel("info")
}

// Logging level helpers
func SetLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		atomic.StoreInt32(&logLevel, 1)
		log.Printf("log_level=debug")
	case "info", "":
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info")
	default:
		// unknown -> info
		atomic.StoreInt32(&logLevel, 0)
		log.Printf("log_level=info (unknown level %q)", level)
	}
}

func IsDebug() bool { return atomic.LoadInt32(&logLevel) == 1 }

func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

// ============ Bridge metric setters ============
//
// These are called from the orchestrator's housekeeping loop with the
// primitive fields off its Status aggregate, mirroring the donor's
// UpdateAircraftCount(callsign, count) shape: monitoring stays decoupled
// from orchestrator's types.

// SetParserCounts updates the error/warning gauges for one parser.
func SetParserCounts(parser string, errors, warnings uint64) {
	ParserErrors.WithLabelValues(parser).Set(float64(errors))
	ParserWarnings.WithLabelValues(parser).Set(float64(warnings))
}

// SetBroadcastCounters updates the broadcast hub's counters.
func SetBroadcastCounters(totalBroadcasts, totalBytesSent, errors uint64, subscribers int) {
	BroadcastTotal.Set(float64(totalBroadcasts))
	BroadcastBytesSent.Set(float64(totalBytesSent))
	BroadcastErrors.Set(float64(errors))
	BroadcastSubscribers.Set(float64(subscribers))
}

// SetSourceStatus updates one source's connectivity gauges.
func SetSourceStatus(source string, connected bool, errors uint64, attempt int) {
	SourceConnected.WithLabelValues(source).Set(boolToFloat(connected))
	SourceErrors.WithLabelValues(source).Set(float64(errors))
	SourceAttempt.WithLabelValues(source).Set(float64(attempt))
}

// SetDataFreshness updates the fused-snapshot freshness gauges.
func SetDataFreshness(active bool, lastUpdateAgoS float64) {
	DataActive.Set(boolToFloat(active))
	DataLastUpdateAgoSeconds.Set(lastUpdateAgoS)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ============ Helpers and middlewares for metrics ============

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware instruments all HTTP traffic.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: 200}
		next.ServeHTTP(rr, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPDuration.WithLabelValues(r.Method, path).Observe(duration)
		HTTPRequests.WithLabelValues(r.Method, path, http.StatusText(rr.status)).Inc()
	})
}

// PrometheusHandler exposes registered metrics.
func PrometheusHandler() http.Handler { return promhttp.Handler() }

// ============ Tracing ============

var tracer = otel.Tracer("condorbridge-http")

// InitTracer initializes OpenTelemetry exporter and provider.
func InitTracer(endpoint string, serviceName string) func() {
	ctx := context.Background()

	// Set propagator for W3C TraceContext + Baggage for both server and client.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if endpoint == "" {
		// No remote exporter; still install a tracer provider with default settings
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() {
			_ = tp.Shutdown(ctx)
		}
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// TracingMiddleware creates a span for each HTTP request with context extraction.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Extract incoming context (W3C TraceContext/Baggage)
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		// Start server span with useful attributes
		spanName := r.Method + " " + r.URL.Path
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		// Add some common attributes
		span.SetAttributes(
			semconv.HTTPSchemeKey.String(func() string {
				if r.TLS != nil {
					return "https"
				}
				return "http"
			}()),
			semconv.HTTPMethodKey.String(r.Method),
			semconv.URLPathKey.String(r.URL.Path),
		)
		// Attach request id as attribute when available
		if rid := github_chi_mw.GetReqID(r.Context()); rid != "" {
			span.SetAttributes(attribute.String("http.request_id", rid))
		}

		// Pass trace id to client for correlation
		if sc := span.SpanContext(); sc.IsValid() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes structured logs for each HTTP request/response with trace correlation.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start)
		traceID, spanID := "", ""
		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
			spanID = sc.SpanID().String()
		}
		remote := clientIP(r)
		ua := r.UserAgent()
		path := r.URL.Path
		query := r.URL.RawQuery
		if query != "" {
			path = path + "?" + query
		}
		// Correlate with request id if present
		rid := github_chi_mw.GetReqID(r.Context())

		log.Printf("http_request method=%s path=%q status=%d duration=%s remote=%s ua=%q trace_id=%s span_id=%s request_id=%s", r.Method, path, rr.status, dur, remote, ua, traceID, spanID, rid)
	})
}

// clientIP tries to determine the real client IP.
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	// Then X-Real-Ip
	if xr := r.Header.Get("X-Real-Ip"); xr != "" {
		return xr
	}
	// Fallback to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
