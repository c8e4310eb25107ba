// Package telemetry holds the latest conditioned measurement for readers in
// other goroutines.
package telemetry

import (
	"errors"
	"sync"
	"time"
)

// ErrNotInitialized is returned by a Store that was not created with New.
var ErrNotInitialized = errors.New("telemetry store not initialized")

// Measurement is the conditioned result of one batch.
type Measurement struct {
	Seq        uint64  `json:"seq"`
	Millivolts float32 `json:"millivolts"` // Batch mean
	Shots      uint64  `json:"shots"`
}

// Health are the pipeline's transient-error and liveness counters.
type Health struct {
	BuffersProcessed uint64 `json:"buffers_processed"`
	BuffersDropped   uint64 `json:"buffers_dropped"`
	SamplesSkipped   uint64 `json:"samples_skipped"`
	WatchdogKicks    uint64 `json:"watchdog_kicks"`
}

// Record is what readers observe: one complete Publish.
type Record struct {
	Measurement
	Health
	Published time.Time `json:"published"`
	Dirty     bool      `json:"-"` // Set by Publish, cleared by ReadAndClear
}

// Store is a mutex guarded cell holding the latest Record.
type Store struct {
	mu     sync.Mutex
	rec    Record
	inited bool
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{inited: true, now: time.Now}
}

// Publish replaces the record and marks it dirty.
func (s *Store) Publish(m Measurement, h Health) error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inited {
		return ErrNotInitialized
	}
	s.rec = Record{Measurement: m, Health: h, Published: s.now(), Dirty: true}
	return nil
}

// ReadAndClear returns the record and clears its dirty flag. The returned
// Dirty reports whether anything was published since the previous call.
func (s *Store) ReadAndClear() (Record, error) {
	if s == nil {
		return Record{}, ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inited {
		return Record{}, ErrNotInitialized
	}
	rec := s.rec
	s.rec.Dirty = false
	return rec, nil
}

// Snapshot returns the record without touching the dirty flag.
func (s *Store) Snapshot() (Record, error) {
	if s == nil {
		return Record{}, ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inited {
		return Record{}, ErrNotInitialized
	}
	return s.rec, nil
}
