// Package watchdog supervises the long-running goroutines of the pipeline.
// Every registered context must kick its Kicker within the timeout; the
// first context that misses it triggers the restart callback exactly once.
package watchdog

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultQuantum is the monitor tick.
const DefaultQuantum = 10 * time.Millisecond

// Errors returned by Start.
var (
	ErrAlreadyStarted = errors.New("watchdog already started")
	ErrNoContexts     = errors.New("watchdog has no registered contexts")
)

// Event describes an expiry.
type Event struct {
	Context string        // Name of the stalled context
	Stalled time.Duration // Time since its last kick
	At      time.Time
}

// Kicker is the handle a supervised context uses to prove liveness.
type Kicker struct {
	name string
	wd   *Watchdog
	last atomic.Int64 // Monotonic offset from wd.epoch
}

// Kick resets the countdown for this context. A nil Kicker ignores kicks.
func (k *Kicker) Kick() {
	if k == nil {
		return
	}
	k.last.Store(int64(time.Since(k.wd.epoch)))
	k.wd.kicks.Add(1)
}

// Name returns the context name.
func (k *Kicker) Name() string { return k.name }

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithQuantum sets the monitor tick.
func WithQuantum(q time.Duration) Option {
	return func(w *Watchdog) { w.quantum = q }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// Watchdog is a countdown shared by all supervised contexts.
type Watchdog struct {
	timeout time.Duration
	quantum time.Duration
	logger  *zap.Logger
	epoch   time.Time

	mu      sync.Mutex
	kickers []*Kicker
	started bool
	stop    chan struct{}
	done    chan struct{}

	kicks atomic.Uint64
	fired atomic.Bool
}

// New creates a stopped watchdog.
func New(timeout time.Duration, opts ...Option) *Watchdog {
	w := &Watchdog{
		timeout: timeout,
		quantum: DefaultQuantum,
		logger:  zap.NewNop(),
		epoch:   time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register adds a supervised context. Its countdown starts now.
func (w *Watchdog) Register(name string) *Kicker {
	k := &Kicker{name: name, wd: w}
	k.last.Store(int64(time.Since(w.epoch)))

	w.mu.Lock()
	w.kickers = append(w.kickers, k)
	w.mu.Unlock()
	return k
}

// Start starts monitoring. onRestart runs in its own goroutine after the
// monitor has stopped, so it may call Stop.
func (w *Watchdog) Start(onRestart func(Event)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	if len(w.kickers) == 0 {
		return ErrNoContexts
	}

	now := int64(time.Since(w.epoch))
	for _, k := range w.kickers {
		k.last.Store(now)
	}

	w.started = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.monitor(onRestart)

	w.logger.Debug("started",
		zap.Duration("timeout", w.timeout),
		zap.Duration("quantum", w.quantum),
		zap.Int("contexts", len(w.kickers)))
	return nil
}

// Stop stops monitoring without firing. It is safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.started || w.stop == nil {
		w.mu.Unlock()
		return
	}
	stop, done := w.stop, w.done
	w.stop = nil
	w.mu.Unlock()

	close(stop)
	<-done
}

// Kicks returns the total number of kicks across all contexts.
func (w *Watchdog) Kicks() uint64 { return w.kicks.Load() }

// Fired reports whether the watchdog has expired.
func (w *Watchdog) Fired() bool { return w.fired.Load() }

func (w *Watchdog) monitor(onRestart func(Event)) {
	ticker := time.NewTicker(w.quantum)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			close(w.done)
			return
		case <-ticker.C:
			ev, expired := w.check()
			if !expired {
				continue
			}
			w.fired.Store(true)
			w.logger.Warn("expired",
				zap.String("context", ev.Context),
				zap.Duration("stalled", ev.Stalled))
			close(w.done)
			if onRestart != nil {
				go onRestart(ev)
			}
			return
		}
	}
}

func (w *Watchdog) check() (Event, bool) {
	now := time.Since(w.epoch)

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, k := range w.kickers {
		stalled := now - time.Duration(k.last.Load())
		if stalled >= w.timeout {
			return Event{Context: k.name, Stalled: stalled, At: time.Now()}, true
		}
	}
	return Event{}, false
}
