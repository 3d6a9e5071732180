// Command feedserver is a demo trading bot backend.
// Random-walks a bot's status and serves it the way the live backend does,
// so dashsync can run without a real bot.
//
//	GET /ws             pushes {"event":"bot_update","data":{...}} every interval
//	GET /api/bot/status  current status (pull backfill)
//	GET /health
//
// Config (env vars):
//
//	FEED_ADDR           listen address (default: ":8765")
//	FEED_INTERVAL       update interval (default: "2s")
//	FEED_START_PRICE    starting price (default: "67850.32")
//	FEED_REDIS_ADDR     also publish updates to Redis when set
//	FEED_REDIS_CHANNEL  Redis channel (default: "bot_update")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"trading-dashsync/internal/transport"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop update
		}
	}
}

// ─── HTTP handlers ────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedserver] upgrade error: %v", err)
			return
		}
		log.Printf("[feedserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Reader detects client close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func statusHandler(b *bot) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(b.snapshot())
	}
}

// ─── Generator ────────────────────────────────────────────────────────────────

func runGenerator(ctx context.Context, b *bot, h *hub, rdb *goredis.Client, channel string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			msg, err := transport.Wrap(transport.EventBotUpdate, b.step(now))
			if err != nil {
				log.Printf("[feedserver] encode error: %v", err)
				continue
			}
			h.broadcast(msg)
			if rdb != nil {
				if err := rdb.Publish(ctx, channel, msg).Err(); err != nil {
					log.Printf("[feedserver] redis publish failed: %v", err)
				}
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedserver] starting demo bot feed...")
	_ = godotenv.Load()

	addr := envOrDefault("FEED_ADDR", ":8765")
	interval, err := time.ParseDuration(envOrDefault("FEED_INTERVAL", "2s"))
	if err != nil || interval <= 0 {
		log.Fatalf("[feedserver] invalid FEED_INTERVAL: %v", err)
	}
	startPrice, err := decimal.NewFromString(envOrDefault("FEED_START_PRICE", "67850.32"))
	if err != nil || !startPrice.IsPositive() {
		log.Fatalf("[feedserver] invalid FEED_START_PRICE: %v", err)
	}
	channel := envOrDefault("FEED_REDIS_CHANNEL", transport.EventBotUpdate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *goredis.Client
	if redisAddr := os.Getenv("FEED_REDIS_ADDR"); redisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: redisAddr, Password: os.Getenv("FEED_REDIS_PASSWORD")})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("[feedserver] WARNING: redis unreachable at %s: %v (publishing anyway)", redisAddr, err)
		} else {
			log.Printf("[feedserver] publishing to redis %s channel %q", redisAddr, channel)
		}
	}

	b := newBot(rand.New(rand.NewSource(time.Now().UnixNano())), startPrice)
	h := newHub()
	go runGenerator(ctx, b, h, rdb, channel, interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/api/bot/status", statusHandler(b))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedserver"}`)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[feedserver] listening on %s  (WebSocket: ws://localhost%s/ws, interval %s)", addr, addr, interval)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[feedserver] server error: %v", err)
	}
	log.Println("[feedserver] stopped.")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
