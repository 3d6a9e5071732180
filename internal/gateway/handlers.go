package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"trading-dashsync/internal/journal"
	"trading-dashsync/internal/model"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
	exportTradeLimit  = 500
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

// Status is the /api/status response.
type Status struct {
	LastUpdateSource model.Source `json:"last_update_source"`
	LastUpdateAt     time.Time    `json:"last_update_at"`
	PushConnected    *bool        `json:"push_connected,omitempty"`
	Clients          int          `json:"clients"`
	Seq              int64        `json:"seq"`
}

// Export is the /api/export document.
type Export struct {
	ExportedAt time.Time            `json:"exported_at"`
	Snapshot   model.MarketSnapshot `json:"snapshot"`
	Trades     []journal.Entry      `json:"trades"`
}

// Handler returns the dashboard HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws upgrade failed", "error", err)
			return
		}
		h.HandleWSRequest(conn)
	})

	mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, h.store.Snapshot())
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		snap := h.store.Snapshot()
		st := Status{
			LastUpdateSource: snap.LastUpdateSource,
			LastUpdateAt:     snap.LastUpdateAt,
			Clients:          h.ClientCount(),
			Seq:              h.Seq(),
		}
		if h.gate != nil {
			up := h.gate.Connected()
			st.PushConnected = &up
		}
		writeJSON(w, http.StatusOK, st)
	})

	// Journaled trades, newest first. Falls back to the in-memory log when
	// no journal is configured.
	mux.HandleFunc("/api/trades", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultTradeLimit
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxTradeLimit {
			limit = l
		}
		entries, err := h.recentTrades(limit)
		if err != nil {
			h.log.Error("trade history query failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trade history unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("/api/export", func(w http.ResponseWriter, r *http.Request) {
		now := h.now().UTC()
		trades, err := h.recentTrades(exportTradeLimit)
		if err != nil {
			h.log.Error("export trade query failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trade history unavailable"})
			return
		}
		w.Header().Set("Content-Disposition",
			`attachment; filename="dashsync-export-`+now.Format("20060102-150405")+`.json"`)
		writeJSON(w, http.StatusOK, Export{
			ExportedAt: now,
			Snapshot:   h.store.Snapshot(),
			Trades:     trades,
		})
	})

	// Gap backfill: /api/missed?from=N&to=M returns buffered envelopes.
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		from, errFrom := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
		to, errTo := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
		if errFrom != nil || errTo != nil || from <= 0 || to < from {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from and to are required, from <= to"})
			return
		}
		envs := h.GetReplayRange(from, to)
		msgs := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			msgs[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"from":     from,
			"to":       to,
			"oldest":   h.replay.Oldest(),
			"messages": msgs,
		})
	})

	return mux
}

func (h *Hub) recentTrades(limit int) ([]journal.Entry, error) {
	if h.history != nil {
		entries, err := h.history.Recent(limit)
		if entries == nil && err == nil {
			entries = []journal.Entry{}
		}
		return entries, err
	}
	snap := h.store.Snapshot()
	entries := make([]journal.Entry, 0, len(snap.TradeLog))
	for _, t := range snap.TradeLog {
		if len(entries) == limit {
			break
		}
		entries = append(entries, journal.Entry{Trade: t})
	}
	return entries, nil
}
