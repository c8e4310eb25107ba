// Package display runs the presentation context: it polls the telemetry
// store at the frame rate and renders fresh records.
package display

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/telemetry"
)

// Frame is what a Renderer draws.
type Frame struct {
	Number  uint64
	At      time.Time
	Record  telemetry.Record
	History []float32 // Millivolts, oldest first, decimated to the display width
}

// Renderer draws frames. Render is called from the presentation goroutine.
type Renderer interface {
	Render(Frame) error
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(Frame) error

// Render calls f.
func (f RendererFunc) Render(fr Frame) error { return f(fr) }

// Fanout renders every frame through each renderer in order. All renderers
// run even when one fails; the errors are combined.
type Fanout []Renderer

// Render renders f through every renderer.
func (rs Fanout) Render(f Frame) error {
	var err error
	for _, r := range rs {
		err = multierr.Append(err, r.Render(f))
	}
	return err
}

// LogRenderer logs records, at most once per interval.
type LogRenderer struct {
	logger   *zap.Logger
	interval time.Duration
	last     time.Time
}

// NewLogRenderer creates a renderer for headless operation.
func NewLogRenderer(logger *zap.Logger, interval time.Duration) *LogRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRenderer{logger: logger.Named("display"), interval: interval}
}

// Render logs the record if the interval has elapsed.
func (r *LogRenderer) Render(f Frame) error {
	if !r.last.IsZero() && f.At.Sub(r.last) < r.interval {
		return nil
	}
	r.last = f.At

	rec := f.Record
	r.logger.Info("telemetry",
		zap.Uint64("seq", rec.Seq),
		zap.Float32("millivolts", rec.Millivolts),
		zap.Uint64("shots", rec.Shots),
		zap.Uint64("processed", rec.BuffersProcessed),
		zap.Uint64("dropped", rec.BuffersDropped),
		zap.Uint64("skipped", rec.SamplesSkipped),
		zap.Uint64("kicks", rec.WatchdogKicks))
	return nil
}

var (
	_ Renderer = (*LogRenderer)(nil)
	_ Renderer = (*FrameRenderer)(nil)
	_ Renderer = RendererFunc(nil)
	_ Renderer = Fanout(nil)
)
