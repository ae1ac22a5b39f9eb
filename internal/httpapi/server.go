// Package httpapi serves the read-side HTTP surface: authenticated
// artifact downloads, liveness endpoints and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/camerakit/camera-daemon/internal/config"
	"github.com/camerakit/camera-daemon/internal/logging"
	"github.com/camerakit/camera-daemon/internal/security"
)

// ReadinessReporter exposes whether the core finished initial discovery.
type ReadinessReporter interface {
	IsReady() bool
}

// StatsProvider feeds the Prometheus gauges.
type StatsProvider interface {
	ConnectedCameraCount() int
	ActiveConnectionCount() int
}

// Server is the file/health HTTP listener.
type Server struct {
	cfg    *config.Config
	tokens *security.TokenHandler
	keys   *security.APIKeyStore
	ready  ReadinessReporter
	logger *logging.Logger

	limiter    *rate.Limiter
	httpServer *http.Server
	registry   *prometheus.Registry
}

// NewServer wires the listener. stats may be nil; the gauges then report
// zero.
func NewServer(cfg *config.Config, tokens *security.TokenHandler, keys *security.APIKeyStore, ready ReadinessReporter, stats StatsProvider, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetLogger("http-api")
	}
	s := &Server{
		cfg:    cfg,
		tokens: tokens,
		keys:   keys,
		ready:  ready,
		logger: logger,
		// Download burst limiting: steady 20 rps with burst 40 across all
		// callers; individual RPC rate limits still apply upstream.
		limiter:  rate.NewLimiter(rate.Limit(20), 40),
		registry: prometheus.NewRegistry(),
	}
	s.registerGauges(stats)
	return s
}

func (s *Server) registerGauges(stats StatsProvider) {
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "camera_daemon_connected_cameras",
			Help: "Number of currently connected capture devices.",
		},
		func() float64 {
			if stats == nil {
				return 0
			}
			return float64(stats.ConnectedCameraCount())
		},
	))
	s.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "camera_daemon_active_connections",
			Help: "Number of connected control-channel clients.",
		},
		func() float64 {
			if stats == nil {
				return 0
			}
			return float64(stats.ActiveConnectionCount())
		},
	))
}

// routes assembles the chi router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateMiddleware)
		r.Get("/files/recordings/{name}", s.fileHandler(s.cfg.MediaMTX.RecordingsPath))
		r.Get("/files/snapshots/{name}", s.fileHandler(s.cfg.MediaMTX.SnapshotsPath))
	})
	return r
}

// Start begins listening.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.HTTP.Host, s.cfg.HTTP.Port),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting file/health HTTP server")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("File/health server listener failed")
		}
	}()
	return nil
}

// Stop shuts the listener down within the caller's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil && s.ready.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// authMiddleware requires a valid Bearer credential: a signed token, or
// an API key as fallback.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authorization required"})
			return
		}
		credential := strings.TrimPrefix(header, "Bearer ")

		if _, err := s.tokens.Validate(credential); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		if s.keys != nil {
			if _, err := s.keys.Validate(credential); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credential"})
	})
}

func (s *Server) rateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fileHandler serves one file from dir. Names are restricted to a single
// path component; traversal attempts 404.
func (s *Server) fileHandler(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		http.ServeFile(w, r, path)
	}
}
