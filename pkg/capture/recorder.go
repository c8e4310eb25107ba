package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/config"
)

// Collection limits.
const (
	MinCollect = time.Second
	MaxCollect = 60 * time.Second
)

// Recorder errors.
var (
	ErrDuration   = errors.New("collection duration out of range")
	ErrBusy       = errors.New("collection in progress")
	ErrContinuous = errors.New("recorder is in continuous mode")
)

// State is the recorder state.
type State int32

const (
	Idle State = iota
	Collecting
	Writing
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Collecting:
		return "COLLECTING"
	case Writing:
		return "WRITING"
	case Complete:
		return "COMPLETE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status is a snapshot of the recorder.
type Status struct {
	State     State
	Collected int
	Target    int
	Stored    uint64 // Captures written since start
	Drops     uint64 // Batches lost because no buffer was free
	LastSlot  int    // -1 before the first write
	Err       error
}

type chunk struct {
	gen      uint64
	seq      uint64
	captured time.Time
	raw      []uint16
	filtered []float32
	n        int
}

// Recorder tees batches from the acquisition loop into a Store. Offer never
// blocks and never allocates; a worker goroutine started with Run assembles
// and writes captures.
type Recorder struct {
	store      Store
	sampleRate uint32
	maxSamples int
	continuous bool
	logger     *zap.Logger

	free chan *chunk
	full chan *chunk

	mu     sync.Mutex // Guards gen, target, lastErr and state changes outside Offer
	gen    uint64
	target int

	state     atomic.Int32
	curGen    atomic.Uint64
	collected atomic.Int64
	stored    atomic.Uint64
	drops     atomic.Uint64
	lastSlot  atomic.Int64
	lastErr   error

	// Worker owned.
	acc       Capture
	accGen    uint64
	accClosed bool
}

// NewRecorder pre-allocates cfg.Buffers batch copies of batchLength samples
// and one accumulation buffer of cfg.SlotSamples.
func NewRecorder(store Store, cfg config.CaptureConfig, sampleRateHz float64, batchLength int, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	buffers := cfg.Buffers
	if buffers < 1 {
		buffers = 1
	}

	r := &Recorder{
		store:      store,
		sampleRate: uint32(sampleRateHz),
		maxSamples: cfg.SlotSamples,
		continuous: cfg.Continuous,
		logger:     logger.Named("recorder"),
		free:       make(chan *chunk, buffers),
		full:       make(chan *chunk, buffers),
		acc: Capture{
			Raw:      make([]uint16, 0, cfg.SlotSamples),
			Filtered: make([]float32, 0, cfg.SlotSamples),
		},
	}
	for i := 0; i < buffers; i++ {
		r.free <- &chunk{raw: make([]uint16, batchLength), filtered: make([]float32, batchLength)}
	}
	r.lastSlot.Store(-1)
	if r.continuous {
		r.state.Store(int32(Collecting))
	}
	return r
}

// Collect arms a collection of duration d, rounded to whole samples.
func (r *Recorder) Collect(d time.Duration) (int, error) {
	if r.continuous {
		return 0, ErrContinuous
	}
	if d < MinCollect || d > MaxCollect {
		return 0, fmt.Errorf("%w: %s not in [%s, %s]", ErrDuration, d, MinCollect, MaxCollect)
	}
	samples := int(d.Seconds() * float64(r.sampleRate))
	if samples > r.maxSamples {
		return 0, fmt.Errorf("%w: %d samples, slot holds %d", ErrTooLarge, samples, r.maxSamples)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch State(r.state.Load()) {
	case Collecting, Writing:
		return 0, ErrBusy
	}

	r.gen++
	r.target = samples
	r.lastErr = nil
	r.collected.Store(0)
	r.curGen.Store(r.gen)
	r.state.Store(int32(Collecting))

	r.logger.Info("collection started", zap.Duration("duration", d), zap.Int("samples", samples))
	return samples, nil
}

// Offer copies one conditioned batch if the recorder wants it and a buffer is
// free. It reports whether the batch was taken.
func (r *Recorder) Offer(seq uint64, captured time.Time, raw []uint16, filtered []float32) bool {
	if !r.continuous && State(r.state.Load()) != Collecting {
		return false
	}

	var c *chunk
	select {
	case c = <-r.free:
	default:
		r.drops.Add(1)
		return false
	}

	c.gen = r.curGen.Load()
	c.seq = seq
	c.captured = captured
	c.n = copy(c.raw, raw)
	copy(c.filtered[:c.n], filtered)

	r.full <- c
	return true
}

// Status returns the recorder state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	target, err := r.target, r.lastErr
	r.mu.Unlock()

	return Status{
		State:     State(r.state.Load()),
		Collected: int(r.collected.Load()),
		Target:    target,
		Stored:    r.stored.Load(),
		Drops:     r.drops.Load(),
		LastSlot:  int(r.lastSlot.Load()),
		Err:       err,
	}
}

// Run writes captures until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-r.full:
			if r.continuous {
				r.storeChunk(ctx, c)
			} else {
				r.accumulate(ctx, c)
			}
			r.free <- c
		}
	}
}

func (r *Recorder) storeChunk(ctx context.Context, c *chunk) {
	capture := &Capture{
		Header:   Header{SampleRate: r.sampleRate, Seq: c.seq, Captured: c.captured},
		Raw:      c.raw[:c.n],
		Filtered: c.filtered[:c.n],
	}
	r.write(ctx, capture)
}

func (r *Recorder) accumulate(ctx context.Context, c *chunk) {
	if c.gen != r.accGen {
		r.accGen = c.gen
		r.accClosed = false
		r.acc.Header = Header{SampleRate: r.sampleRate, Seq: c.seq, Captured: c.captured}
		r.acc.Raw = r.acc.Raw[:0]
		r.acc.Filtered = r.acc.Filtered[:0]
	}
	if r.accClosed {
		return
	}

	r.mu.Lock()
	target := r.target
	r.mu.Unlock()

	n := c.n
	if remaining := target - len(r.acc.Raw); n > remaining {
		n = remaining
	}
	r.acc.Raw = append(r.acc.Raw, c.raw[:n]...)
	r.acc.Filtered = append(r.acc.Filtered, c.filtered[:n]...)
	r.collected.Store(int64(len(r.acc.Raw)))

	if len(r.acc.Raw) < target {
		return
	}

	r.accClosed = true
	r.state.Store(int32(Writing))
	r.write(ctx, &r.acc)
}

func (r *Recorder) write(ctx context.Context, c *Capture) {
	slot, err := r.store.Store(ctx, c)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.lastErr = err
		if !r.continuous {
			r.state.Store(int32(Failed))
		}
		r.logger.Error("capture write failed", zap.Error(err))
		return
	}

	r.stored.Add(1)
	r.lastSlot.Store(int64(slot))
	if !r.continuous {
		r.state.Store(int32(Complete))
		r.logger.Info("collection stored",
			zap.Int("slot", slot),
			zap.Uint32("samples", c.Samples),
			zap.Uint64("seq", c.Seq))
	}
}
