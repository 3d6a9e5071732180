package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-dashsync/internal/logger"
)

// FeedAlerter turns push channel connectivity changes into alerts. The
// initial connect is silent; a drop and the following recovery each alert.
type FeedAlerter struct {
	n       Notifier
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu        sync.Mutex
	wasUp     bool
	everUp    bool
	downSince time.Time

	wg sync.WaitGroup
}

// NewFeedAlerter creates an alerter sending through n.
func NewFeedAlerter(n Notifier, l *slog.Logger) *FeedAlerter {
	return &FeedAlerter{
		n:       n,
		log:     logger.OrDefault(l),
		now:     time.Now,
		timeout: 15 * time.Second,
	}
}

// Observe is a connectivity observer. Delivery happens in the background.
func (f *FeedAlerter) Observe(connected bool) {
	f.mu.Lock()
	if connected == f.wasUp {
		f.mu.Unlock()
		return
	}
	f.wasUp = connected
	now := f.now()

	var alert Alert
	switch {
	case connected && !f.everUp:
		f.everUp = true
		f.mu.Unlock()
		return
	case connected:
		alert = Alert{
			Level:   AlertInfo,
			Title:   "push feed restored",
			Message: fmt.Sprintf("live updates resumed after %s", now.Sub(f.downSince).Round(time.Second)),
		}
	default:
		f.downSince = now
		alert = Alert{
			Level:   AlertWarning,
			Title:   "push feed lost",
			Message: "live updates stopped; dashboard is on pull backfill and simulation",
		}
	}
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		if err := f.n.Send(ctx, alert); err != nil {
			f.log.Warn("alert delivery failed", "title", alert.Title, "error", err)
		}
	}()
}

// Wait blocks until in-flight alerts have been delivered.
func (f *FeedAlerter) Wait() {
	f.wg.Wait()
}
