package display

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

// Option configures a Presenter.
type Option func(*Presenter)

// WithWatchdog registers the presenter as a supervised context.
func WithWatchdog(wd *watchdog.Watchdog) Option {
	return func(p *Presenter) { p.kicker = wd.Register("presentation") }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Presenter) { p.logger = logger }
}

// Presenter is the presentation context.
type Presenter struct {
	store     *telemetry.Store
	renderer  Renderer
	frameTime time.Duration
	points    int
	kicker    *watchdog.Kicker
	logger    *zap.Logger

	history   *History
	values    []float32
	decimated []float32

	frames  atomic.Uint64
	renders atomic.Uint64
}

// NewPresenter creates a presenter drawing cfg.FrameRate frames per second.
func NewPresenter(store *telemetry.Store, renderer Renderer, cfg config.PresentationConfig, opts ...Option) *Presenter {
	rate := cfg.FrameRate
	if rate <= 0 {
		rate = 60
	}
	p := &Presenter{
		store:     store,
		renderer:  renderer,
		frameTime: time.Second / time.Duration(rate),
		points:    cfg.Width,
		logger:    zap.NewNop(),
		history:   NewHistory(cfg.History),
		values:    make([]float32, 0, cfg.History),
		decimated: make([]float32, 0, cfg.Width),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run draws frames until ctx is done.
func (p *Presenter) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.frameTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := p.frame(now); err != nil {
				return err
			}
		}
	}
}

func (p *Presenter) frame(now time.Time) error {
	rec, err := p.store.ReadAndClear()
	if err != nil {
		return fmt.Errorf("reading telemetry: %w", err)
	}
	n := p.frames.Add(1)

	if rec.Dirty {
		p.history.Push(rec.Millivolts)
		p.values = p.history.Values(p.values)
		p.decimated = Decimate(p.decimated, p.values, p.points)

		if err := p.renderer.Render(Frame{Number: n, At: now, Record: rec, History: p.decimated}); err != nil {
			p.logger.Warn("render failed", zap.Uint64("frame", n), zap.Error(err))
		} else {
			p.renders.Add(1)
		}
	}

	p.kicker.Kick()
	return nil
}

// Frames returns the number of frame ticks handled.
func (p *Presenter) Frames() uint64 { return p.frames.Load() }

// Renders returns the number of frames actually rendered.
func (p *Presenter) Renders() uint64 { return p.renders.Load() }
