package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chrissnell/wmii/internal/log"
)

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(c.loggingMiddleware)
	router.Use(c.authMiddleware)

	router.HandleFunc("/station", c.GetStations).Methods("GET")
	router.HandleFunc("/packet/latest", c.GetLatestPacket).Methods("GET")
	router.HandleFunc("/time", c.GetTime).Methods("GET")
	router.HandleFunc("/time", c.SetTime).Methods("PUT")
	router.HandleFunc("/calibration", c.GetCalibration).Methods("GET")
	router.HandleFunc("/calibration", c.SetCalibration).Methods("PUT")
	router.HandleFunc("/config/reload", c.ReloadConfig).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(c.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

// statusRecorder captures what a handler wrote for the request log
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

// loggingMiddleware logs every request
func (c *Controller) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		log.LogHTTPRequest(log.HTTPLogEntry{
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rec.status,
			Duration:   time.Since(start),
			Size:       rec.size,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

// authMiddleware requires the configured bearer token on every request.
// Without a token the API is open.
func (c *Controller) authMiddleware(next http.Handler) http.Handler {
	want := []byte("Bearer " + c.apiConfig.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.apiConfig.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wmii"`)
			c.formatter.WriteError(w, r, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
