// Package journal persists every trade that enters the dashboard's trade
// log to SQLite, so trades evicted from the in-memory ring stay queryable.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-dashsync/internal/logger"
	"trading-dashsync/internal/model"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const (
	defaultBatchSize  = 50
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 256
)

// Entry is a journaled trade.
type Entry struct {
	ID         int64        `json:"id"`
	Trade      model.Trade  `json:"trade"`
	Source     model.Source `json:"source"`
	RecordedAt time.Time    `json:"recorded_at"`
}

type pending struct {
	trades []model.Trade
	source model.Source
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.log = l }
}

// Journal writes trades to SQLite. Observe feeds a background writer;
// Record writes synchronously.
type Journal struct {
	// OnDrop is called with the number of trades dropped because the
	// writer queue was full.
	OnDrop func(n int)

	db    *sql.DB
	log   *slog.Logger
	queue chan pending

	mu       sync.Mutex
	lastHead model.Trade
	haveHead bool
}

// Open opens (or creates) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: schema: %w", err)
	}

	j := &Journal{db: db, queue: make(chan pending, defaultQueueSize)}
	for _, opt := range opts {
		opt(j)
	}
	j.log = logger.OrDefault(j.log)
	j.log.Info("trade journal opened", "path", path)
	return j, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms       INTEGER NOT NULL,
			side        TEXT    NOT NULL,
			price       TEXT    NOT NULL,
			size        TEXT    NOT NULL,
			pnl         TEXT    NOT NULL,
			source      TEXT    NOT NULL,
			recorded_at INTEGER NOT NULL,
			UNIQUE (ts_ms, side, price, size, pnl)
		);
		CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts_ms);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Record writes trades in one transaction. Trades already journaled are
// skipped.
func (j *Journal) Record(trades []model.Trade, src model.Source) error {
	if len(trades) == 0 {
		return nil
	}
	return j.insertBatch([]pending{{trades: trades, source: src}})
}

// Prime sets the trade log head that Observe diffs against, without
// journaling anything. Call it with the seed snapshot.
func (j *Journal) Prime(snap model.MarketSnapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastHead, j.haveHead = snap.HeadTrade()
}

// Observe is a store observer. It queues the trades that appeared at the
// head of the log since the previous snapshot. It never blocks.
func (j *Journal) Observe(snap model.MarketSnapshot) {
	j.mu.Lock()
	fresh := newSince(snap.TradeLog, j.lastHead, j.haveHead)
	j.lastHead, j.haveHead = snap.HeadTrade()
	j.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	select {
	case j.queue <- pending{trades: fresh, source: snap.LastUpdateSource}:
	default:
		j.log.Warn("journal queue full, dropping trades", "count", len(fresh))
		if j.OnDrop != nil {
			j.OnDrop(len(fresh))
		}
	}
}

// newSince returns the entries of log (newest first) ahead of head. If head
// is no longer in the log every entry is new.
func newSince(log []model.Trade, head model.Trade, haveHead bool) []model.Trade {
	if !haveHead {
		return append([]model.Trade(nil), log...)
	}
	for i, t := range log {
		if t.Equal(head) {
			return append([]model.Trade(nil), log[:i]...)
		}
	}
	return append([]model.Trade(nil), log...)
}

// Run drains the Observe queue in batched transactions, flushing every
// defaultBatchSize trades or defaultFlushDelay, whichever comes first.
// Blocks until ctx is cancelled.
func (j *Journal) Run(ctx context.Context) {
	batch := make([]pending, 0, defaultBatchSize)
	size := 0
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if size == 0 {
			return
		}
		if err := j.insertBatch(batch); err != nil {
			j.log.Error("journal batch insert failed", "error", err, "trades", size)
		} else {
			j.log.Debug("journal committed", "trades", size)
		}
		batch, size = batch[:0], 0
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-j.queue:
					batch = append(batch, p)
					size += len(p.trades)
				default:
					flush()
					return
				}
			}

		case p := <-j.queue:
			batch = append(batch, p)
			size += len(p.trades)
			if size >= defaultBatchSize {
				flush()
				resetTimer(timer, defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (j *Journal) insertBatch(batch []pending) error {
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO trades (ts_ms, side, price, size, pnl, source, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, p := range batch {
		// Oldest first so ids follow trade order.
		for i := len(p.trades) - 1; i >= 0; i-- {
			t := p.trades[i]
			if _, err := stmt.Exec(t.Timestamp.UnixMilli(), string(t.Side),
				t.Price.String(), t.Size.String(), t.PnL.String(), string(p.source), now); err != nil {
				tx.Rollback()
				return fmt.Errorf("insert trade: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Recent returns up to limit journaled trades, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.Query(`
		SELECT id, ts_ms, side, price, size, pnl, source, recorded_at
		FROM trades ORDER BY ts_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			tsMs, recMs        int64
			side, src          string
			price, size, pnlTx string
		)
		if err := rows.Scan(&e.ID, &tsMs, &side, &price, &size, &pnlTx, &src, &recMs); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Trade = model.Trade{
			Timestamp: time.UnixMilli(tsMs).UTC(),
			Side:      model.Side(side),
		}
		if e.Trade.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("journal: row %d price: %w", e.ID, err)
		}
		if e.Trade.Size, err = decimal.NewFromString(size); err != nil {
			return nil, fmt.Errorf("journal: row %d size: %w", e.ID, err)
		}
		if e.Trade.PnL, err = decimal.NewFromString(pnlTx); err != nil {
			return nil, fmt.Errorf("journal: row %d pnl: %w", e.ID, err)
		}
		e.Source = model.Source(src)
		e.RecordedAt = time.UnixMilli(recMs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of journaled trades.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n)
	return n, err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
