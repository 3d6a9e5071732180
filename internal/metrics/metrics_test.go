package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"trading-dashsync/internal/model"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := NewServer(":0", reg, NewHealthStatus(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestNewMetrics_RegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PatchesApplied.WithLabelValues("push").Inc()
	m.PatchesApplied.WithLabelValues("push").Inc()
	m.PatchesRejected.WithLabelValues("pull", "stale").Inc()

	out := scrape(t, reg)
	if !strings.Contains(out, `dashsync_patches_applied_total{source="push"} 2`) {
		t.Errorf("applied{push} missing:\n%s", out)
	}
	if !strings.Contains(out, `dashsync_patches_rejected_total{reason="stale",source="pull"} 1`) {
		t.Errorf("rejected{pull,stale} missing:\n%s", out)
	}

	// A second registry must accept a fresh set without collisions.
	NewMetrics(prometheus.NewRegistry())
}

func TestHealth_DegradedWhenPushDown(t *testing.T) {
	h := NewHealthStatus()
	h.SQLiteOK = true

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	h.SetPushConnected(true)
	h.ObserveSnapshot(model.MarketSnapshot{LastUpdateSource: model.SourcePush, LastUpdateAt: time.Now()})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["last_source"] != "push" || body["feed_age"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_SimulatedDoesNotAdvanceFeedAge(t *testing.T) {
	h := NewHealthStatus()
	auth := time.Date(2025, 6, 13, 9, 0, 0, 0, time.UTC)
	h.ObserveSnapshot(model.MarketSnapshot{LastUpdateSource: model.SourcePull, LastUpdateAt: auth})
	h.ObserveSnapshot(model.MarketSnapshot{LastUpdateSource: model.SourceSimulated, LastUpdateAt: auth.Add(time.Minute)})

	if !h.LastAuthAt.Equal(auth) {
		t.Errorf("last authoritative = %v, want %v", h.LastAuthAt, auth)
	}
	if h.LastSource != model.SourceSimulated {
		t.Errorf("last source = %s", h.LastSource)
	}
}

func TestHealth_CheckSQLite(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	h := NewHealthStatus()
	h.CheckSQLite(context.Background(), db)
	if !h.SQLiteOK || h.LastCheckAt.IsZero() {
		t.Fatalf("sqlite ok=%v checked=%v", h.SQLiteOK, h.LastCheckAt)
	}
}

func TestServer_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SimTicks.Inc()

	if out := scrape(t, reg); !strings.Contains(out, "dashsync_sim_ticks_total 1") {
		t.Errorf("metrics output missing sim ticks:\n%s", out)
	}
}
