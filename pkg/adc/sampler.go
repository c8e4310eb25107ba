package adc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State is the sampler lifecycle state.
type State int32

const (
	Idle        State = iota // Timer stopped
	Armed                    // Timer running, no trigger yet
	Filling                  // Writing samples into a slot
	SwapPending              // Batch complete, handing it over
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Filling:
		return "filling"
	case SwapPending:
		return "swap-pending"
	default:
		return "unknown"
	}
}

// Errors returned by the sampler.
var (
	ErrAlreadyArmed = errors.New("sampler already sampling")
	ErrNotHeld      = errors.New("batch is not held by the consumer")
)

// Batch is one arena slot. Samples is only valid between TakeReadyBatch and
// Release.
type Batch struct {
	Seq      uint64    // 1 for the first completed batch, gaps mark dropped batches
	Captured time.Time // Trigger time of the first sample
	Samples  []uint16

	slot int
}

// Stats are the sampler's transient-error counters.
type Stats struct {
	Triggers         uint64
	SamplesSkipped   uint64
	BatchesCompleted uint64
	BatchesDropped   uint64
}

const noSlot = -1

// The arena word holds the ready slot in bits 0-1 and the held slot in
// bits 2-3, each stored as slot+1 so that zero means none.
func pack(ready, held int) uint32 {
	return uint32(ready+1) | uint32(held+1)<<2
}

func unpack(v uint32) (ready, held int) {
	return int(v&3) - 1, int(v>>2&3) - 1
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithTimer replaces the trigger source.
func WithTimer(f TimerFactory) Option {
	return func(s *Sampler) { s.newTimer = f }
}

// WithLogger sets the logger. The trigger path never logs.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sampler) { s.logger = l }
}

// Sampler paces a Converter with a timer and collects fixed-length batches
// into two pre-allocated slots.
//
// The timer goroutine is the only writer of slot contents. A completed slot is
// published through the arena word; the consumer moves it from ready to held
// with TakeReadyBatch and back to free with Release. When the consumer is too
// slow the newest batch is dropped and counted, the ready one is kept.
type Sampler struct {
	conv     Converter
	period   time.Duration
	length   int
	newTimer TimerFactory
	logger   *zap.Logger

	slots [2]Batch
	arena atomic.Uint32
	state atomic.Int32
	ready chan struct{}

	// Owned by the timer goroutine.
	filling int
	cursor  int
	seq     uint64

	triggers  atomic.Uint64
	skipped   atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates an idle sampler producing batches of length samples,
// one every period.
func NewSampler(conv Converter, period time.Duration, length int, opts ...Option) *Sampler {
	s := &Sampler{
		conv:     conv,
		period:   period,
		length:   length,
		newTimer: NewTicker,
		logger:   zap.NewNop(),
		ready:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.slots {
		s.slots[i] = Batch{Samples: make([]uint16, length), slot: i}
	}
	s.arena.Store(pack(noSlot, noSlot))
	return s
}

// Arm starts the trigger timer; the first sample is taken one period later.
// Arming an armed sampler is a no-op, arming one that is already sampling
// returns ErrAlreadyArmed.
func (s *Sampler) Arm() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch State(s.state.Load()) {
	case Armed:
		return nil
	case Filling, SwapPending:
		return ErrAlreadyArmed
	}

	// A batch still held from a previous run stays with the consumer.
	for {
		old := s.arena.Load()
		_, held := unpack(old)
		if s.arena.CompareAndSwap(old, pack(noSlot, held)) {
			break
		}
	}
	s.filling = s.freeSlot()
	s.cursor = 0

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	timer := s.newTimer(s.period)

	s.state.Store(int32(Armed))
	go s.run(ctx, timer, s.done)

	s.logger.Debug("armed", zap.Duration("period", s.period), zap.Int("length", s.length))
	return nil
}

// Disarm stops the timer and waits for the trigger goroutine to exit.
func (s *Sampler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == Idle {
		return
	}
	s.cancel()
	<-s.done
	s.state.Store(int32(Idle))
	s.logger.Debug("disarmed", zap.Uint64("triggers", s.triggers.Load()))
}

// Ready is signalled whenever a batch becomes ready. The signal is
// coalesced; always drain with TakeReadyBatch.
func (s *Sampler) Ready() <-chan struct{} {
	return s.ready
}

// TakeReadyBatch moves the ready batch to the consumer. It returns false when
// no batch completed since the last take or a batch is still held.
func (s *Sampler) TakeReadyBatch() (*Batch, bool) {
	for {
		old := s.arena.Load()
		ready, held := unpack(old)
		if ready == noSlot || held != noSlot {
			return nil, false
		}
		if s.arena.CompareAndSwap(old, pack(noSlot, ready)) {
			return &s.slots[ready], true
		}
	}
}

// Release hands a taken batch back to the sampler.
func (s *Sampler) Release(b *Batch) error {
	if b == nil || b.slot < 0 || b.slot >= len(s.slots) || b != &s.slots[b.slot] {
		return ErrNotHeld
	}
	for {
		old := s.arena.Load()
		ready, held := unpack(old)
		if held != b.slot {
			return ErrNotHeld
		}
		if s.arena.CompareAndSwap(old, pack(ready, noSlot)) {
			return nil
		}
	}
}

// State returns the current lifecycle state.
func (s *Sampler) State() State {
	return State(s.state.Load())
}

// Stats returns a snapshot of the counters.
func (s *Sampler) Stats() Stats {
	return Stats{
		Triggers:         s.triggers.Load(),
		SamplesSkipped:   s.skipped.Load(),
		BatchesCompleted: s.completed.Load(),
		BatchesDropped:   s.dropped.Load(),
	}
}

// Length returns the number of samples per batch.
func (s *Sampler) Length() int { return s.length }

func (s *Sampler) run(ctx context.Context, timer Timer, done chan struct{}) {
	defer close(done)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C():
			s.state.CompareAndSwap(int32(Armed), int32(Filling))
			s.trigger(now)
		}
	}
}

func (s *Sampler) trigger(now time.Time) {
	s.triggers.Add(1)

	code, ok := s.conv.Convert()
	if !ok {
		s.skipped.Add(1)
		return
	}

	if s.filling != noSlot {
		b := &s.slots[s.filling]
		if s.cursor == 0 {
			b.Captured = now
		}
		b.Samples[s.cursor] = code
	}

	s.cursor++
	if s.cursor < s.length {
		return
	}
	s.cursor = 0
	s.seq++
	s.complete()
}

func (s *Sampler) complete() {
	if s.filling == noSlot {
		// Discard mode: the consumer holds one slot and the other is ready.
		// A slot released mid-batch stays idle until this batch-length of
		// samples is used up, so the next batch starts on a batch boundary
		// and Seq gaps stay exact.
		s.dropped.Add(1)
		s.filling = s.freeSlot()
		return
	}

	s.state.Store(int32(SwapPending))
	defer s.state.Store(int32(Filling))

	f := s.filling
	s.slots[f].Seq = s.seq

	for {
		old := s.arena.Load()
		ready, held := unpack(old)
		if ready != noSlot {
			// Keep the pending batch and refill the same slot.
			s.dropped.Add(1)
			return
		}
		if s.arena.CompareAndSwap(old, pack(f, held)) {
			break
		}
	}

	s.completed.Add(1)
	select {
	case s.ready <- struct{}{}:
	default:
	}
	s.filling = s.freeSlot()
}

// freeSlot returns a slot that is neither ready nor held. The consumer can
// only free slots concurrently, so the answer cannot go stale in a harmful way.
func (s *Sampler) freeSlot() int {
	ready, held := unpack(s.arena.Load())
	for i := range s.slots {
		if i != ready && i != held {
			return i
		}
	}
	return noSlot
}
