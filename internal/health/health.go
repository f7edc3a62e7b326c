// Package health provides the HTTP listener that reports on a running
// invocation: /healthz for build info and workflow state, /metrics for
// the Prometheus registry.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/slabrunner/internal/buildinfo"
)

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the
// workflow mode and its current state.  The process is reported
// "healthy" (200) until the workflow lands in a FAILED_* state, then
// "failed" (503).
func Handler(mode string, state func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		current := ""
		if state != nil {
			current = state()
		}

		status, code := "healthy", http.StatusOK
		if strings.HasPrefix(current, "FAILED") {
			status, code = "failed", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		response := Response{
			Status:       status,
			ServiceName:  "slabrunner",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Mode:         mode,
			State:        current,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// NewMux routes /healthz and, when reg is non-nil, /metrics.
func NewMux(mode string, state func() string, reg prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", Handler(mode, state))
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return mux
}

// Server serves a handler in the background.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and starts serving h.  Bind errors are returned
// immediately.
func Listen(addr string, h http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		srv:    &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health listener stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("health listener started", slog.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
