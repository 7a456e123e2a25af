package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sofvo/sofvo/internal/metrics"
)

// statusWriter wraps http.ResponseWriter to capture status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Metrics returns middleware that records Prometheus metrics.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(wrapped.status),
		).Inc()

		// Stream durations are connection lifetimes, not request latency.
		if path != "/stream" {
			metrics.HTTPRequestDuration.WithLabelValues(
				r.Method, path,
			).Observe(duration)
		}
	})
}

// normalizePath normalizes paths to avoid high cardinality in metrics.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/conversations/") {
		parts := strings.Split(strings.Trim(path, "/"), "/")
		switch len(parts) {
		case 2:
			return "/conversations/:id"
		case 3:
			return "/conversations/:id/" + parts[2]
		case 4:
			return "/conversations/:id/" + parts[2] + "/:id"
		}
	}

	patterns := []struct{ prefix, normalized string }{
		{"/profiles/", "/profiles/:id"},
		{"/follows/", "/follows/:id"},
		{"/blocks/", "/blocks/:id"},
	}
	for _, p := range patterns {
		if strings.HasPrefix(path, p.prefix) && len(path) > len(p.prefix) {
			return p.normalized
		}
	}
	return path
}
