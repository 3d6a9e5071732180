package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"
)

// Metrics holds all Prometheus metrics for the dashboard sync layer.
type Metrics struct {
	PatchesApplied  *prometheus.CounterVec // labels: source
	PatchesRejected *prometheus.CounterVec // labels: source, reason
	ObserverPanics  prometheus.Counter

	// Simulation
	SimTicks   prometheus.Counter
	SimSkipped prometheus.Counter

	// Push channel
	PushConnected prometheus.Gauge // 0=down, 1=up
	Reconnects    prometheus.Counter

	// Pull channel
	PullFailures prometheus.Counter
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	RingEvictions *prometheus.CounterVec // labels: buffer
	JournalDrops  prometheus.Counter

	ClientsConnected prometheus.Gauge
	RenderLag        prometheus.Histogram // mutation to WS fan-out
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PatchesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_patches_applied_total",
			Help: "State patches applied to the market store",
		}, []string{"source"}),
		PatchesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_patches_rejected_total",
			Help: "Inbound updates rejected (malformed, stale, duplicate, preempted)",
		}, []string{"source", "reason"}),
		ObserverPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_observer_panics_total",
			Help: "Store observers that panicked during notification",
		}),
		SimTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_sim_ticks_total",
			Help: "Synthetic ticks applied by the simulation fallback",
		}),
		SimSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_sim_skipped_total",
			Help: "Simulation ticks skipped because one was already in flight",
		}),
		PushConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_push_connected",
			Help: "Push channel connectivity (0=down, 1=up)",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_push_reconnects_total",
			Help: "Push channel reconnection attempts",
		}),
		PullFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_pull_failures_total",
			Help: "Failed pull backfill requests",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_pull_breaker_state",
			Help: "Pull circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RingEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashsync_ring_evictions_total",
			Help: "Entries evicted from bounded buffers",
		}, []string{"buffer"}),
		JournalDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashsync_journal_drops_total",
			Help: "Trades not journaled because the write queue was full",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashsync_gateway_clients",
			Help: "Dashboard WebSocket clients currently connected",
		}),
		RenderLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashsync_render_lag_seconds",
			Help:    "Delay between a store mutation and its broadcast to clients",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.PatchesApplied,
		m.PatchesRejected,
		m.ObserverPanics,
		m.SimTicks,
		m.SimSkipped,
		m.PushConnected,
		m.Reconnects,
		m.PullFailures,
		m.BreakerState,
		m.RingEvictions,
		m.JournalDrops,
		m.ClientsConnected,
		m.RenderLag,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	PushConnected  bool         `json:"push_connected"`
	LastSource     model.Source `json:"last_source"`
	LastUpdateAt   time.Time    `json:"last_update_at"`
	LastAuthAt     time.Time    `json:"last_authoritative_at"`
	RedisEnabled   bool         `json:"redis_enabled"`
	RedisConnected bool         `json:"redis_connected"`
	SQLiteOK       bool         `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetPushConnected(v bool) {
	h.mu.Lock()
	h.PushConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

// ObserveSnapshot records the provenance of the latest store mutation.
// It is meant to be subscribed to the market store.
func (h *HealthStatus) ObserveSnapshot(snap model.MarketSnapshot) {
	h.mu.Lock()
	h.LastSource = snap.LastUpdateSource
	h.LastUpdateAt = snap.LastUpdateAt
	if snap.LastUpdateSource.Authoritative() {
		h.LastAuthAt = snap.LastUpdateAt
	}
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the journal database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs dependency probes until ctx is cancelled. Either
// client may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// ServeHTTP handles the /healthz endpoint. The dashboard keeps serving on
// simulated data without a live feed, so a dropped push channel only
// degrades the status; a failed journal does the same.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.PushConnected || !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	feedAge := ""
	if !h.LastAuthAt.IsZero() {
		feedAge = time.Since(h.LastAuthAt).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		PushConnected   bool    `json:"push_connected"`
		LastSource      string  `json:"last_source"`
		LastUpdateAt    string  `json:"last_update_at"`
		FeedAge         string  `json:"feed_age"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		PushConnected:   h.PushConnected,
		LastSource:      string(h.LastSource),
		LastUpdateAt:    h.LastUpdateAt.Format(time.RFC3339),
		FeedAge:         feedAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server over the given gatherer.
func NewServer(addr string, g prometheus.Gatherer, health *HealthStatus, l *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  logger.OrDefault(l),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
