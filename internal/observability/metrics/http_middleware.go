package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMetricsMiddleware instruments requests with Prometheus metrics
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		ObserveHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(ww.status), dur)
	})
}

// normalizePath collapses tenant ids out of the path label so the metric
// cardinality stays bounded by the route count, not the tenant count.
func normalizePath(path string) string {
	if rest, ok := strings.CutPrefix(path, "/api/tenants/"); ok && rest != "" {
		if strings.HasSuffix(rest, "/workflow") {
			return "/api/tenants/{id}/workflow"
		}
		return "/api/tenants/{id}"
	}
	if rest, ok := strings.CutPrefix(path, "/ws/tenants/"); ok && rest != "" {
		return "/ws/tenants/{id}"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
