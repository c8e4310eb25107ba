// Package supervisor builds the acquisition and presentation contexts and
// cold restarts all of them when the watchdog expires.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/acquire"
	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/display"
	"github.com/itohio/lipomon/pkg/filter"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

// ErrRestarting is returned while no generation is running.
var ErrRestarting = errors.New("pipeline restarting")

// ConverterFactory creates the converter for a new generation. A converter
// implementing io.Closer is closed on teardown.
type ConverterFactory func(cfg *config.Config) (adc.Converter, error)

// HardwareConverter returns a factory that connects to the ADC bridge on
// cfg.Sampling.SerialPort, or uses the mock converter when no port is set.
func HardwareConverter(logger *zap.Logger) ConverterFactory {
	return func(cfg *config.Config) (adc.Converter, error) {
		if cfg.Sampling.SerialPort == "" {
			return adc.NewMock(cfg), nil
		}
		conv := adc.NewSerial(cfg.Sampling.SerialPort, cfg.Sampling.BaudRate, logger)
		if err := conv.Connect(); err != nil {
			return nil, err
		}
		return conv, nil
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithConverter replaces the mock converter.
func WithConverter(f ConverterFactory) Option {
	return func(s *Supervisor) { s.newConverter = f }
}

// WithRenderer sets the presentation renderer.
func WithRenderer(r display.Renderer) Option {
	return func(s *Supervisor) { s.renderer = r }
}

// WithCaptureStore enables the capture recorder. The store outlives
// restarts and is not closed by the supervisor.
func WithCaptureStore(store capture.Store) Option {
	return func(s *Supervisor) { s.captures = store }
}

// OnRestart registers a hook called for every watchdog expiry.
func OnRestart(f func(watchdog.Event)) Option {
	return func(s *Supervisor) { s.hooks = append(s.hooks, f) }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// Supervisor owns the running generation.
type Supervisor struct {
	cfg          *config.Config
	newConverter ConverterFactory
	renderer     display.Renderer
	captures     capture.Store
	hooks        []func(watchdog.Event)
	logger       *zap.Logger

	mu  sync.RWMutex
	gen *generation

	generations atomic.Uint64
	restarts    atomic.Uint64
}

// generation is everything rebuilt on a cold restart.
type generation struct {
	id        uint64
	conv      adc.Converter
	sampler   *adc.Sampler
	store     *telemetry.Store
	recorder  *capture.Recorder
	wd        *watchdog.Watchdog
	loop      *acquire.Loop
	presenter *display.Presenter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errMu   sync.Mutex
	errs    error
	expired chan watchdog.Event
}

// New validates cfg and creates a stopped supervisor.
func New(cfg *config.Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg: cfg,
		newConverter: func(cfg *config.Config) (adc.Converter, error) {
			return adc.NewMock(cfg), nil
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.renderer == nil {
		s.renderer = display.NewLogRenderer(s.logger, 5*time.Second)
	}
	s.logger = s.logger.Named("supervisor")
	return s, nil
}

// Run boots a generation and restarts it on every watchdog expiry until ctx
// is done. Only the first boot can fail Run; later boots are retried every
// watchdog timeout. It returns nil on a clean shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	gen, err := s.boot()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return s.teardown(gen)

		case ev := <-gen.expired:
			n := s.restarts.Add(1)
			s.logger.Warn("cold restart",
				zap.Uint64("generation", gen.id),
				zap.Uint64("restarts", n),
				zap.String("context", ev.Context),
				zap.Duration("stalled", ev.Stalled))
			for _, hook := range s.hooks {
				hook(ev)
			}
			if err := s.teardown(gen); err != nil {
				s.logger.Warn("teardown errors", zap.Error(err))
			}
		}

		if gen = s.reboot(ctx); gen == nil {
			return nil
		}
	}
}

// reboot boots a new generation, retrying until it succeeds. It returns nil
// when ctx is done first.
func (s *Supervisor) reboot(ctx context.Context) *generation {
	delay := s.cfg.Watchdog.Timeout
	for {
		gen, err := s.boot()
		if err == nil {
			return gen
		}
		s.logger.Error("boot failed", zap.Error(err), zap.Duration("retry", delay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) boot() (*generation, error) {
	cfg := s.cfg
	g := &generation{
		id:      s.generations.Add(1),
		expired: make(chan watchdog.Event, 1),
	}
	logger := s.logger.With(zap.Uint64("generation", g.id))

	pipeline, err := filter.NewPipeline(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}
	g.conv, err = s.newConverter(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating converter: %w", err)
	}
	shots := filter.NewSagDetector(cfg.Shots, cfg.Sampling.Period)

	g.store = telemetry.New()
	g.wd = watchdog.New(cfg.Watchdog.Timeout,
		watchdog.WithQuantum(cfg.Watchdog.Quantum),
		watchdog.WithLogger(logger))
	g.sampler = adc.NewSampler(g.conv, cfg.Sampling.Period, cfg.Sampling.BatchLength, adc.WithLogger(logger))

	loopOpts := []acquire.Option{acquire.WithWatchdog(g.wd), acquire.WithLogger(logger)}
	if s.captures != nil {
		g.recorder = capture.NewRecorder(s.captures, cfg.Capture, cfg.Sampling.SampleRateHz(), cfg.Sampling.BatchLength, logger)
		loopOpts = append(loopOpts, acquire.WithTee(g.recorder))
	}
	g.loop = acquire.New(g.sampler, pipeline, shots, g.store, loopOpts...)
	g.presenter = display.NewPresenter(g.store, s.renderer, cfg.Presentation,
		display.WithWatchdog(g.wd), display.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.spawn(ctx, "acquisition", g.loop.Run)
	g.spawn(ctx, "presentation", g.presenter.Run)
	if g.recorder != nil {
		g.spawn(ctx, "recorder", g.recorder.Run)
	}

	if err := g.sampler.Arm(); err != nil {
		return nil, multierr.Append(fmt.Errorf("arming sampler: %w", err), s.stop(g))
	}
	if err := g.wd.Start(func(ev watchdog.Event) { g.expired <- ev }); err != nil {
		return nil, multierr.Append(fmt.Errorf("starting watchdog: %w", err), s.stop(g))
	}

	s.mu.Lock()
	s.gen = g
	s.mu.Unlock()

	logger.Info("generation started")
	return g, nil
}

func (g *generation) spawn(ctx context.Context, name string, run func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.errMu.Lock()
			g.errs = multierr.Append(g.errs, fmt.Errorf("%s: %w", name, err))
			g.errMu.Unlock()
		}
	}()
}

// stop halts every goroutine of g and returns what they failed with.
func (s *Supervisor) stop(g *generation) error {
	g.wd.Stop()
	g.sampler.Disarm()
	g.cancel()
	g.wg.Wait()

	g.errMu.Lock()
	defer g.errMu.Unlock()
	return multierr.Append(g.errs, closeConverter(g.conv))
}

func (s *Supervisor) teardown(g *generation) error {
	s.mu.Lock()
	if s.gen == g {
		s.gen = nil
	}
	s.mu.Unlock()

	err := s.stop(g)
	s.logger.Info("generation stopped", zap.Uint64("generation", g.id), zap.Error(err))
	return err
}

func closeConverter(conv adc.Converter) error {
	if c, ok := conv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Supervisor) current() *generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Restarts returns the number of cold restarts so far.
func (s *Supervisor) Restarts() uint64 { return s.restarts.Load() }

// Generation returns the id of the running generation, 0 when none runs.
func (s *Supervisor) Generation() uint64 {
	if g := s.current(); g != nil {
		return g.id
	}
	return 0
}

// Snapshot returns the running generation's telemetry record.
func (s *Supervisor) Snapshot() (telemetry.Record, error) {
	g := s.current()
	if g == nil {
		return telemetry.Record{}, ErrRestarting
	}
	return g.store.Snapshot()
}

// CaptureStatus returns the running recorder's status.
func (s *Supervisor) CaptureStatus() (capture.Status, bool) {
	g := s.current()
	if g == nil || g.recorder == nil {
		return capture.Status{}, false
	}
	return g.recorder.Status(), true
}

// Collect starts a timed collection on the running recorder.
func (s *Supervisor) Collect(d time.Duration) (int, error) {
	g := s.current()
	if g == nil {
		return 0, ErrRestarting
	}
	if g.recorder == nil {
		return 0, fmt.Errorf("no capture store configured")
	}
	return g.recorder.Collect(d)
}

// Status returns the recorder status, or an idle status when none runs.
func (s *Supervisor) Status() capture.Status {
	if st, ok := s.CaptureStatus(); ok {
		return st
	}
	return capture.Status{State: capture.Idle, LastSlot: -1}
}
