// cmd/dashsync keeps a dashboard's market state in sync with a trading
// bot's backend. Live updates arrive over a push channel (WebSocket or
// Redis PubSub), a periodic pull backfills gaps, and a local simulation
// keeps the view moving whenever the feed goes quiet.
//
// The reconciled state is rendered to browsers at DASHBOARD_ADDR
// (/ws, /api/snapshot, /api/status, /api/trades, /api/export, /api/missed)
// and observed at METRICS_ADDR (/metrics, /healthz).
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trading-dashsync/config"
	"trading-dashsync/internal/breaker"
	"trading-dashsync/internal/gateway"
	"trading-dashsync/internal/journal"
	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/metrics"
	"trading-dashsync/internal/model"
	"trading-dashsync/internal/notification"
	"trading-dashsync/internal/poller"
	"trading-dashsync/internal/reconcile"
	"trading-dashsync/internal/simulate"
	"trading-dashsync/internal/store"
	"trading-dashsync/internal/supervisor"
	"trading-dashsync/internal/transport/redispush"
	"trading-dashsync/internal/transport/wspush"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[dashsync] starting...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[dashsync] %v", err)
	}
	lg := logger.Init("dashsync", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, reg, health, lg)
	metricsSrv.Start()

	// ---- Market state store ----
	st, err := store.New(store.Config{
		PriceHistoryCap: cfg.PriceHistoryCap,
		TradeLogCap:     cfg.TradeLogCap,
	}, model.DefaultSnapshot(), store.WithLogger(lg))
	if err != nil {
		log.Fatalf("[dashsync] store init failed: %v", err)
	}
	st.OnApplied = func(src model.Source) { prom.PatchesApplied.WithLabelValues(string(src)).Inc() }
	st.OnRejected = func(src model.Source) { prom.PatchesRejected.WithLabelValues(string(src), "preempted").Inc() }
	st.OnObserverPanic = func() { prom.ObserverPanics.Inc() }
	st.OnEvict = func(buffer string) { prom.RingEvictions.WithLabelValues(buffer).Inc() }
	st.Subscribe(health.ObserveSnapshot)

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("component stopped", "component", name, "error", err)
			}
		}()
	}

	// ---- Trade journal (SQLite) ----
	var history gateway.TradeHistory
	var jr *journal.Journal
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		lg.Warn("journal directory unavailable", "path", cfg.SQLitePath, "error", err)
	}
	jr, err = journal.Open(cfg.SQLitePath, journal.WithLogger(lg))
	if err != nil {
		lg.Warn("journal disabled", "error", err)
		jr = nil
	} else {
		defer jr.Close()
		jr.OnDrop = func(n int) { prom.JournalDrops.Add(float64(n)) }
		jr.Prime(st.Snapshot())
		st.Subscribe(jr.Observe)
		history = jr
		goRun("journal", func(ctx context.Context) error { jr.Run(ctx); return nil })
		lg.Info("trade journal ready", "path", cfg.SQLitePath)
	}

	// ---- Reconciler ----
	rec := reconcile.New(st, reconcile.WithLogger(lg), reconcile.WithPullInterval(cfg.PullInterval))
	rec.OnMalformed = func(src model.Source) { prom.PatchesRejected.WithLabelValues(string(src), "malformed").Inc() }
	rec.OnStale = func(src model.Source) { prom.PatchesRejected.WithLabelValues(string(src), "stale").Inc() }
	rec.OnDuplicate = func(src model.Source) { prom.PatchesRejected.WithLabelValues(string(src), "duplicate").Inc() }

	// ---- Push channel ----
	var rdb *goredis.Client
	var sup *supervisor.Supervisor
	var dialer supervisor.Dialer
	switch cfg.PushTransport {
	case config.TransportWS:
		d, err := wspush.New(wspush.Config{URL: cfg.PushURL})
		if err != nil {
			log.Fatalf("[dashsync] push dialer: %v", err)
		}
		dialer = d
	case config.TransportRedis:
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		health.SetRedisEnabled(true)
		dialer = redispush.New(rdb, cfg.RedisChannel)
	case config.TransportNone:
		lg.Info("push channel disabled, running on pull and simulation")
	}

	if dialer != nil {
		sup = supervisor.New(dialer, func(raw []byte, at time.Time) {
			rec.HandlePush(raw, at)
		}, supervisor.Config{
			InitialDelay: cfg.ReconnectDelay,
			MaxDelay:     cfg.MaxReconnectDelay,
			MaxAttempts:  cfg.MaxReconnectAttempts,
		}, supervisor.WithLogger(lg))
		sup.OnReconnect = func(int, time.Duration) { prom.Reconnects.Inc() }
		sup.Subscribe(func(up bool) {
			health.SetPushConnected(up)
			if up {
				prom.PushConnected.Set(1)
			} else {
				prom.PushConnected.Set(0)
			}
		})
	}

	// ---- Simulation fallback ----
	simCfg := simulate.DefaultConfig()
	simCfg.QuietPeriod = cfg.QuietPeriod
	simCfg.TickInterval = cfg.SimTickInterval
	simCfg.PriceDelta = cfg.SimPriceDelta
	simCfg.RSIDrift = cfg.SimRSIDrift
	simCfg.TradeProbability = cfg.SimTradeProbability

	seed := cfg.SimSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	var gate simulate.Gate
	if sup != nil {
		gate = sup
	}
	sim := simulate.New(st, gate, simCfg,
		simulate.WithRand(rand.New(rand.NewSource(seed))),
		simulate.WithLogger(lg))
	sim.OnTick = func() { prom.SimTicks.Inc() }
	sim.OnSkip = func() { prom.SimSkipped.Inc() }
	rec.OnReceipt = func(_ model.Source, at time.Time) { sim.Touch(at) }

	// ---- Feed alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier(lg)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	alerts := notification.NewFeedAlerter(notifiers, lg)
	if sup != nil {
		sup.Subscribe(alerts.Observe)
		sup.Subscribe(func(bool) { sim.Wake() })
	}

	// ---- Pull backfill ----
	br := breaker.New(5, time.Minute)
	br.OnStateChange = func(from, to breaker.State) {
		prom.BreakerState.Set(float64(to))
		lg.Warn("pull breaker state change", "from", from.String(), "to", to.String())
	}
	pl := poller.New(cfg.PullURL, cfg.PullInterval, rec.HandlePull,
		poller.WithBreaker(br),
		poller.WithLogger(lg))
	pl.OnError = func(err error) {
		if !errors.Is(err, breaker.ErrOpen) {
			prom.PullFailures.Inc()
		}
	}

	// ---- Dashboard gateway ----
	hubOpts := []gateway.Option{gateway.WithLogger(lg)}
	if sup != nil {
		hubOpts = append(hubOpts, gateway.WithGate(sup))
	}
	hub := gateway.NewHub(st, history, hubOpts...)
	hub.OnClientCount = func(n int) { prom.ClientsConnected.Set(float64(n)) }
	hub.OnBroadcast = func(lag time.Duration) { prom.RenderLag.Observe(lag.Seconds()) }

	dashSrv := &http.Server{
		Addr:              cfg.DashboardAddr,
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ---- Start everything ----
	goRun("gateway", func(ctx context.Context) error { hub.Run(ctx); return nil })
	goRun("simulation", sim.Run)
	goRun("poller", pl.Run)
	if sup != nil {
		goRun("push", sup.Run)
	}
	go func() {
		var db *sql.DB
		if jr != nil {
			db = jr.DB()
		}
		health.RunLivenessChecker(ctx, rdb, db, 10*time.Second)
	}()
	go func() {
		lg.Info("dashboard listening", "addr", cfg.DashboardAddr)
		if err := dashSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			lg.Error("dashboard server error", "error", err)
		}
	}()

	log.Printf("[dashsync] push=%s pull=%s every %s, quiet=%s, sim tick=%s",
		cfg.PushTransport, cfg.PullURL, cfg.PullInterval, cfg.QuietPeriod, cfg.SimTickInterval)

	// ---- Wait for shutdown signal ----
	<-ctx.Done()
	log.Println("[dashsync] shutdown signal received, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dashSrv.Shutdown(shutdownCtx)
	if sup != nil {
		sup.Close()
	}
	wg.Wait()
	alerts.Wait()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[dashsync] shutdown complete.")
}
