// Package supervisor owns the push channel lifecycle: dial, read, and
// reconnect with capped exponential backoff. It publishes a single
// connectivity signal to observers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"trading-dashsync/internal/logger"
)

var (
	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("supervisor closed")
	// ErrRetriesExhausted is returned by Run when MaxAttempts consecutive
	// attempts fail.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// State is the push channel lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Conn is an open push channel.
type Conn interface {
	// ReadMessage blocks until the next payload arrives or the channel fails.
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// MessageHandler receives each payload with its receipt time.
type MessageHandler func(raw []byte, observedAt time.Time)

// ConnectivityObserver is told when the channel goes up or down.
type ConnectivityObserver func(connected bool)

// Token identifies a connectivity subscription.
type Token uint64

// Config holds the reconnect policy.
type Config struct {
	// InitialDelay is the first backoff delay. Defaults to 2s.
	InitialDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 30s.
	MaxDelay time.Duration
	// Multiplier grows the delay after each failure. Defaults to 2.
	Multiplier float64
	// MaxAttempts bounds consecutive failed attempts. Zero means unbounded.
	MaxAttempts int
}

func (c *Config) defaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithClock sets the time source stamped on received messages.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

type observerEntry struct {
	token Token
	fn    ConnectivityObserver
}

// Supervisor runs one push channel connection at a time.
type Supervisor struct {
	// OnReconnect is called before each backoff wait.
	OnReconnect func(attempt int, delay time.Duration)
	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	dialer    Dialer
	onMessage MessageHandler
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	state atomic.Int32

	mu        sync.Mutex
	observers []observerEntry
	nextToken Token
	up        bool
	running   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a supervisor. Messages are delivered to onMessage on the
// supervisor's goroutine.
func New(d Dialer, onMessage MessageHandler, cfg Config, opts ...Option) *Supervisor {
	cfg.defaults()
	s := &Supervisor{
		dialer:    d,
		onMessage: onMessage,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrDefault(s.log)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connected reports whether the push channel is up.
func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// Subscribe registers fn for connectivity changes.
func (s *Supervisor) Subscribe(fn ConnectivityObserver) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	s.observers = append(s.observers, observerEntry{token: s.nextToken, fn: fn})
	return s.nextToken
}

// Unsubscribe removes a connectivity observer.
func (s *Supervisor) Unsubscribe(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.token == tok {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return true
		}
	}
	return false
}

// Run connects and reconnects until ctx is cancelled or Close is called.
// Attempts never overlap. Returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	done := s.done
	s.mu.Unlock()

	defer func() {
		cancel()
		s.setState(Disconnected)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	delay := s.cfg.InitialDelay
	failures := 0
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		wasUp, err := s.runOnce(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if wasUp {
			delay = s.cfg.InitialDelay
			failures = 0
		}
		failures++

		if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
			s.log.Error("push channel giving up", "attempts", failures, "error", err)
			return fmt.Errorf("supervisor: %w after %d attempts: %v", ErrRetriesExhausted, failures, err)
		}

		s.log.Warn("push channel disconnected, reconnecting", "error", err, "delay", delay, "attempt", attempt)
		if s.OnReconnect != nil {
			s.OnReconnect(attempt, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * s.cfg.Multiplier)
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
	}
}

// runOnce makes a single connection attempt and reads until the channel
// fails or ctx is cancelled. wasUp reports whether the dial succeeded.
func (s *Supervisor) runOnce(ctx context.Context, attempt int) (wasUp bool, err error) {
	ctx = logger.WithConnID(ctx, logger.NewConnID(attempt, s.now()))
	s.setState(Connecting)

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.setState(Disconnected)
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Closes the connection when ctx is cancelled so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	s.setState(Connected)
	s.log.Info("push channel connected", logger.Attrs(ctx)...)

	for {
		raw, err := conn.ReadMessage(ctx)
		if err != nil {
			s.setState(Disconnected)
			return true, fmt.Errorf("read: %w", err)
		}
		if s.onMessage != nil {
			s.onMessage(raw, s.now())
		}
	}
}

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	if s.OnStateChange != nil {
		s.OnStateChange(st)
	}

	up := st == Connected
	s.mu.Lock()
	if up == s.up {
		s.mu.Unlock()
		return
	}
	s.up = up
	obs := make([]observerEntry, len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()

	for _, o := range obs {
		s.notify(o, up)
	}
}

func (s *Supervisor) notify(o observerEntry, up bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connectivity observer panicked", "token", uint64(o.token), "panic", r)
		}
	}()
	o.fn(up)
}

// Close stops Run, cancelling any pending reconnect wait and closing the
// open connection. It blocks until Run has returned. Safe to call twice.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel, done, running := s.cancel, s.done, s.running
	s.mu.Unlock()

	if running && cancel != nil {
		cancel()
		<-done
	}
	return nil
}
