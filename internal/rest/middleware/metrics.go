package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	metrics "go.opentelemetry.io/otel/metric"

	"github.com/procflow/procflow/internal/otel"
)

// Metrics records request counts and latencies into the global meter.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			attrs := metrics.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			)
			if otel.RequestTotal != nil {
				otel.RequestTotal.Add(r.Context(), 1, attrs)
			}
			if otel.RequestDuration != nil {
				otel.RequestDuration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
			}
		})
	}
}
