package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/scheduler"
)

// healthStaleAfter is how long since the last completed poll before the
// health endpoint reports unhealthy.
const healthStaleAfter = 5 * time.Minute

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status      string         `json:"status"`
	Uptime      string         `json:"uptime"`
	LastPollAt  *time.Time     `json:"lastPollAt,omitempty"`
	LastEventAt *time.Time     `json:"lastEventAt,omitempty"`
	TaskCounts  map[string]int `json:"taskCounts,omitempty"`
}

// healthServer is a minimal HTTP server exposing GET /health, structured
// the same way internal/metrics.Server exposes /metrics: a bare
// http.Server wrapping a single-route mux, started/stopped alongside the
// rest of the daemon.
type healthServer struct {
	addr      string
	startedAt time.Time
	store     *aoftask.Store
	sched     *scheduler.Scheduler
	server    *http.Server
}

func newHealthServer(addr string, startedAt time.Time, store *aoftask.Store, sched *scheduler.Scheduler) *healthServer {
	return &healthServer{addr: addr, startedAt: startedAt, store: store, sched: sched}
}

func (h *healthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handle)

	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server", "addr", h.addr)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	return nil
}

func (h *healthServer) Stop(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	slog.Info("stopping health server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("health server shutdown failed: %w", err)
	}
	return nil
}

func (h *healthServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}

	resp := healthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startedAt).String(),
	}

	status := h.sched.Status()
	if !status.LastPollAt.IsZero() {
		resp.LastPollAt = &status.LastPollAt
	}
	if !status.LastEventAt.IsZero() {
		resp.LastEventAt = &status.LastEventAt
	}

	if status.LastPollAt.IsZero() {
		// No poll has completed yet; treat as healthy during startup grace
		// rather than immediately flapping unhealthy.
	} else if time.Since(status.LastPollAt) > healthStaleAfter {
		resp.Status = "unhealthy"
	}

	counts, err := h.store.CountByStatus()
	if err != nil {
		resp.Status = "unhealthy"
	} else {
		resp.TaskCounts = make(map[string]int, len(counts))
		for st, n := range counts {
			resp.TaskCounts[string(st)] = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
