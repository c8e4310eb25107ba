package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_NotInitialized(t *testing.T) {
	var zero Store
	var nilStore *Store

	for name, s := range map[string]*Store{"zero": &zero, "nil": nilStore} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Publish(Measurement{}, Health{}), ErrNotInitialized)
			_, err := s.ReadAndClear()
			assert.ErrorIs(t, err, ErrNotInitialized)
			_, err = s.Snapshot()
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestStore_DirtyFlag(t *testing.T) {
	s := New()

	rec, err := s.ReadAndClear()
	require.NoError(t, err)
	assert.False(t, rec.Dirty)

	require.NoError(t, s.Publish(Measurement{Seq: 1, Millivolts: 11100, Shots: 2}, Health{BuffersProcessed: 1}))

	rec, err = s.Snapshot()
	require.NoError(t, err)
	assert.True(t, rec.Dirty, "snapshot does not clear")

	rec, err = s.ReadAndClear()
	require.NoError(t, err)
	assert.True(t, rec.Dirty)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, float32(11100), rec.Millivolts)
	assert.Equal(t, uint64(2), rec.Shots)
	assert.Equal(t, uint64(1), rec.BuffersProcessed)
	assert.False(t, rec.Published.IsZero())

	rec, err = s.ReadAndClear()
	require.NoError(t, err)
	assert.False(t, rec.Dirty)
	assert.Equal(t, uint64(1), rec.Seq, "values are kept after clearing")
}

func TestStore_PublishedTimestamp(t *testing.T) {
	s := New()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Publish(Measurement{Seq: 7}, Health{}))
	rec, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, fixed, rec.Published)
}

func consistent(r Record) bool {
	n := r.Seq
	return uint64(r.Millivolts) == n &&
		r.Shots == n &&
		r.BuffersProcessed == n &&
		r.BuffersDropped == n &&
		r.SamplesSkipped == n &&
		r.WatchdogKicks == n
}

func TestStore_Atomicity(t *testing.T) {
	s := New()
	const writes = 20000

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := uint64(1); i <= writes; i++ {
			_ = s.Publish(
				Measurement{Seq: i, Millivolts: float32(i), Shots: i},
				Health{BuffersProcessed: i, BuffersDropped: i, SamplesSkipped: i, WatchdogKicks: i},
			)
		}
	}()

	readers := []func() (Record, error){s.ReadAndClear, s.Snapshot, s.Snapshot}
	errs := make(chan string, len(readers))
	for _, read := range readers {
		wg.Add(1)
		go func(read func() (Record, error)) {
			defer wg.Done()
			var last uint64
			for {
				select {
				case <-done:
					return
				default:
				}
				rec, err := read()
				if err != nil {
					errs <- err.Error()
					return
				}
				if !consistent(rec) {
					errs <- "torn record"
					return
				}
				if rec.Seq < last {
					errs <- "sequence went backwards"
					return
				}
				last = rec.Seq
			}
		}(read)
	}

	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	rec, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(writes), rec.Seq)
}
