// Package metrics records HTTP API request metrics.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records API requests.
type Recorder interface {
	Record(route string, status int, resTime time.Duration)
}

type dummy struct{}

// NewDummy constructs a recorder that discards everything.
func NewDummy() Recorder { return dummy{} }

func (dummy) Record(string, int, time.Duration) {}

type prom struct {
	reqCount *prometheus.CounterVec
	resTime  *prometheus.SummaryVec
}

// NewPrometheus constructs a recorder exporting <service>_api_requests_total and
// <service>_api_response_time labelled by route.
func NewPrometheus(service string) Recorder {
	return &prom{
		reqCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_api_requests_total",
			Help: "The total number of API requests",
		}, []string{"route", "code"}),
		resTime: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: service + "_api_response_time",
			Help: "API response times in seconds",
		}, []string{"route"}),
	}
}

func (m *prom) Record(route string, status int, resTime time.Duration) {
	m.reqCount.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.resTime.WithLabelValues(route).Observe(resTime.Seconds())
}

// Middleware records every request served by next under its chi route pattern.
func Middleware(m Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapW := &wrapResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapW, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.RoutePatterns) > 0 {
				route = strings.Replace(strings.Join(rctx.RoutePatterns, ""), "/*/", "/", -1)
			}
			m.Record(route, wrapW.statusCode, time.Since(start))
		})
	}
}

type wrapResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrapResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
