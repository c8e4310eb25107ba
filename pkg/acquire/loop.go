// Package acquire runs the acquisition context: it drains ready batches from
// the sampler, conditions them and publishes the result.
package acquire

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/filter"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

// Tee receives a copy of every conditioned batch. It must not block.
type Tee interface {
	Offer(seq uint64, captured time.Time, raw []uint16, filtered []float32) bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithTee adds a side consumer such as the capture recorder.
func WithTee(t Tee) Option {
	return func(l *Loop) { l.tee = t }
}

// WithWatchdog registers the loop as a supervised context.
func WithWatchdog(wd *watchdog.Watchdog) Option {
	return func(l *Loop) {
		l.wd = wd
		l.kicker = wd.Register("acquisition")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// Loop is the acquisition context.
type Loop struct {
	sampler  *adc.Sampler
	pipeline *filter.Pipeline
	shots    *filter.SagDetector
	store    *telemetry.Store
	tee      Tee
	wd       *watchdog.Watchdog
	kicker   *watchdog.Kicker
	logger   *zap.Logger

	processed uint64
	lastSeq   uint64
}

// New creates an acquisition loop.
func New(sampler *adc.Sampler, pipeline *filter.Pipeline, shots *filter.SagDetector, store *telemetry.Store, opts ...Option) *Loop {
	l := &Loop{
		sampler:  sampler,
		pipeline: pipeline,
		shots:    shots,
		store:    store,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run processes batches until ctx is done. The sampler must be armed by the
// caller.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.sampler.Ready():
			if err := l.drain(); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) drain() error {
	for {
		b, ok := l.sampler.TakeReadyBatch()
		if !ok {
			return nil
		}
		if err := l.process(b); err != nil {
			return err
		}
	}
}

func (l *Loop) process(b *adc.Batch) error {
	series := l.pipeline.Process(b)
	l.shots.UpdateSeries(series.Values)
	l.processed++

	if l.lastSeq != 0 && b.Seq != l.lastSeq+1 {
		l.logger.Debug("batches dropped", zap.Uint64("from", l.lastSeq+1), zap.Uint64("to", b.Seq-1))
	}
	l.lastSeq = b.Seq

	stats := l.sampler.Stats()
	var kicks uint64
	if l.wd != nil {
		kicks = l.wd.Kicks()
	}

	err := l.store.Publish(
		telemetry.Measurement{Seq: b.Seq, Millivolts: series.Mean, Shots: l.shots.Count()},
		telemetry.Health{
			BuffersProcessed: l.processed,
			BuffersDropped:   stats.BatchesDropped,
			SamplesSkipped:   stats.SamplesSkipped,
			WatchdogKicks:    kicks,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing batch %d: %w", b.Seq, err)
	}

	if l.tee != nil {
		l.tee.Offer(b.Seq, b.Captured, b.Samples, series.Values)
	}

	if err := l.sampler.Release(b); err != nil {
		return fmt.Errorf("releasing batch %d: %w", b.Seq, err)
	}
	l.kicker.Kick()
	return nil
}

// Processed returns the number of batches processed so far. Only valid after
// Run returned or from the Run goroutine.
func (l *Loop) Processed() uint64 { return l.processed }
