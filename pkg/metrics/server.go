// HTTP listener for the host collectors
//
// Serves /metrics in the Prometheus exposition format and /health for
// supervisors. Both sit behind optional basic auth.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricsServerConfig holds server configuration
type MetricsServerConfig struct {
	// Address to listen on (e.g., ":9110" or "127.0.0.1:9110")
	Address string

	// Optional basic auth credentials
	Username string
	Password string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// MetricsServer exposes a HostMetrics registry over HTTP.
type MetricsServer struct {
	hm      *HostMetrics
	server  *http.Server
	handler http.Handler

	username, password string

	mu      sync.RWMutex
	addr    string
	started time.Time
	running atomic.Bool
}

// NewMetricsServerWithConfig builds a server for hm. It does not listen
// until Start.
func NewMetricsServerWithConfig(hm *HostMetrics, config MetricsServerConfig) *MetricsServer {
	ms := &MetricsServer{
		hm:       hm,
		addr:     config.Address,
		username: config.Username,
		password: config.Password,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", getOnly(promhttp.HandlerFor(hm.Registry(), promhttp.HandlerOpts{Registry: hm.Registry()})))
	mux.Handle("/health", getOnly(http.HandlerFunc(ms.handleHealth)))
	ms.handler = ms.requireAuth(mux)

	ms.server = &http.Server{
		Addr:         config.Address,
		Handler:      ms.handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return ms
}

// Handler returns the server's routes including auth.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.handler
}

// Start listens and serves until Shutdown.
func (ms *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("metrics server error: %w", err)
	}
	ms.mu.Lock()
	ms.addr = ln.Addr().String()
	ms.started = time.Now()
	ms.mu.Unlock()
	ms.running.Store(true)

	err = ms.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener, waiting for in-flight scrapes up to ctx.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.running.Store(false)
	return ms.server.Shutdown(ctx)
}

// IsRunning reports whether the server is serving.
func (ms *MetricsServer) IsRunning() bool {
	return ms.running.Load()
}

// GetAddress returns the bound address once started, else the configured one.
func (ms *MetricsServer) GetAddress() string {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.addr
}

// handleHealth reports liveness with the link's pending queue depth, so a
// supervisor can spot a device that stopped echoing.
func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ms.mu.RLock()
	started := ms.started
	ms.mu.RUnlock()

	health := struct {
		Status  string  `json:"status"`
		Uptime  float64 `json:"uptime_seconds"`
		Pending float64 `json:"pending_commands"`
	}{
		Status:  "ok",
		Pending: gaugeValue(ms.hm.PendingCommands),
	}
	if !started.IsZero() {
		health.Uptime = time.Since(started).Seconds()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (ms *MetricsServer) requireAuth(next http.Handler) http.Handler {
	if ms.username == "" && ms.password == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(ms.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(ms.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Biochip Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
