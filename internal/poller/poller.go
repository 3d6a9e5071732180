// Package poller fetches the bot status endpoint on a fixed interval and
// hands each body to a handler. It backfills state when the push channel is
// quiet and runs regardless of push state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-dashsync/internal/breaker"
	"trading-dashsync/internal/logger"

	"github.com/go-resty/resty/v2"
)

// Handler receives a response body with its receipt time.
type Handler func(raw []byte, observedAt time.Time) error

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.log = l }
}

// WithBreaker replaces the default breaker (5 failures, 60s cool-down).
func WithBreaker(b *breaker.Breaker) Option {
	return func(p *Poller) { p.breaker = b }
}

// WithTimeout sets the per-request timeout. Defaults to 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.client.SetTimeout(d) }
}

// WithRetry sets how many times a failed request is retried within one poll.
func WithRetry(count int, wait time.Duration) Option {
	return func(p *Poller) {
		p.client.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(4 * wait)
	}
}

// WithClock sets the time source stamped on responses.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// Poller polls one URL.
type Poller struct {
	// OnError is called for each failed poll, including breaker rejections.
	OnError func(err error)
	// OnSuccess is called after a body is handed to the handler.
	OnSuccess func()

	url      string
	interval time.Duration
	handler  Handler
	client   *resty.Client
	breaker  *breaker.Breaker
	log      *slog.Logger
	now      func() time.Time
}

// New creates a poller for url.
func New(url string, interval time.Duration, h Handler, opts ...Option) *Poller {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r != nil && r.StatusCode() >= 500
		})

	p := &Poller{
		url:      url,
		interval: interval,
		handler:  h,
		client:   client,
		breaker:  breaker.New(5, time.Minute),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = logger.OrDefault(p.log)
	return p
}

// Breaker exposes the breaker for metrics wiring.
func (p *Poller) Breaker() *breaker.Breaker { return p.breaker }

// FetchOnce performs a single poll. Transport failures count against the
// breaker; handler errors do not.
func (p *Poller) FetchOnce(ctx context.Context) error {
	var body []byte
	err := p.breaker.Execute(func() error {
		resp, err := p.client.R().SetContext(ctx).Get(p.url)
		if err != nil {
			return fmt.Errorf("poller: get %s: %w", p.url, err)
		}
		if resp.IsError() {
			return fmt.Errorf("poller: get %s: status %d", p.url, resp.StatusCode())
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			p.log.Debug("pull skipped, breaker open", "url", p.url)
		} else {
			p.log.Warn("pull failed", "url", p.url, "error", err)
		}
		if p.OnError != nil {
			p.OnError(err)
		}
		return err
	}

	if err := p.handler(body, p.now()); err != nil {
		return err
	}
	if p.OnSuccess != nil {
		p.OnSuccess()
	}
	return nil
}

// Run polls immediately and then every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info("pull poller started", "url", p.url, "interval", p.interval)
	p.FetchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pull poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.FetchOnce(ctx)
		}
	}
}
