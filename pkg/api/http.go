package api

import (
	"net/http"
	"strconv"

	"chatstream/pkg/api/handlers"
	"chatstream/pkg/telemetry"

	"github.com/gorilla/mux"
)

// Handler returns the versioned API router with all chat and thread routes
// registered under /v1.
func Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(metricsMiddleware)
	handlers.RegisterThreads(v1)
	handlers.RegisterChat(v1)
	return r
}

// statusRecorder captures the response status for metrics. WriteHeader may
// never be called on streaming responses, so 200 is the default.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so event streaming keeps working
// behind the middleware.
func (s *statusRecorder) Flush() {
	if fl, ok := s.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status/100)+"xx").Inc()
	})
}
