package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/config"
)

const (
	testRate  = 1000
	testBatch = 100
)

func recorderConfig(slotSamples int) config.CaptureConfig {
	return config.CaptureConfig{Slots: 3, SlotSamples: slotSamples, Buffers: 2}
}

func batch(seq uint64) ([]uint16, []float32) {
	raw := make([]uint16, testBatch)
	filtered := make([]float32, testBatch)
	for i := range raw {
		raw[i] = uint16(int(seq)*testBatch + i)
		filtered[i] = float32(raw[i]) * 3
	}
	return raw, filtered
}

func startRecorder(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// offer retries until the worker frees a buffer.
func offer(t *testing.T, r *Recorder, seq uint64) {
	t.Helper()
	raw, filtered := batch(seq)
	require.Eventually(t, func() bool {
		return r.Offer(seq, time.Unix(int64(seq), 0), raw, filtered)
	}, time.Second, time.Millisecond)
}

func TestRecorder_Collect(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3, 5000, nil)
	require.NoError(t, err)
	r := NewRecorder(store, recorderConfig(5000), testRate, testBatch, nil)
	startRecorder(t, r)

	assert.False(t, r.Offer(1, time.Now(), make([]uint16, testBatch), nil), "idle recorder takes nothing")

	samples, err := r.Collect(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1000, samples)
	assert.Equal(t, Collecting, r.Status().State)

	for seq := uint64(10); seq < 20; seq++ {
		offer(t, r, seq)
	}

	require.Eventually(t, func() bool { return r.Status().State == Complete }, time.Second, time.Millisecond)
	status := r.Status()
	assert.Equal(t, 1000, status.Collected)
	assert.Equal(t, 0, status.LastSlot)
	assert.Equal(t, uint64(1), status.Stored)
	assert.NoError(t, status.Err)

	c, err := store.Read(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), c.Samples)
	assert.Equal(t, uint32(testRate), c.SampleRate)
	assert.Equal(t, uint64(10), c.Seq)
	assert.Equal(t, uint16(1000), c.Raw[0])
	assert.Equal(t, uint16(1999), c.Raw[999])
	assert.Equal(t, float32(1999*3), c.Filtered[999])

	assert.False(t, r.Offer(30, time.Now(), make([]uint16, testBatch), nil), "complete recorder takes nothing")
}

func TestRecorder_CollectValidation(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3, 5000, nil)
	require.NoError(t, err)
	r := NewRecorder(store, recorderConfig(5000), testRate, testBatch, nil)

	_, err = r.Collect(0)
	assert.ErrorIs(t, err, ErrDuration)
	_, err = r.Collect(61 * time.Second)
	assert.ErrorIs(t, err, ErrDuration)
	_, err = r.Collect(6 * time.Second)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = r.Collect(2 * time.Second)
	require.NoError(t, err)
	_, err = r.Collect(2 * time.Second)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRecorder_DropsWhenNoBufferFree(t *testing.T) {
	r := NewRecorder(nil, recorderConfig(5000), testRate, testBatch, nil)
	_, err := r.Collect(time.Second)
	require.NoError(t, err)

	raw, filtered := batch(1)
	// No worker: two buffers, then drops.
	assert.True(t, r.Offer(1, time.Now(), raw, filtered))
	assert.True(t, r.Offer(2, time.Now(), raw, filtered))
	assert.False(t, r.Offer(3, time.Now(), raw, filtered))
	assert.False(t, r.Offer(4, time.Now(), raw, filtered))
	assert.Equal(t, uint64(2), r.Status().Drops)
}

func TestRecorder_OfferDoesNotAllocate(t *testing.T) {
	r := NewRecorder(nil, config.CaptureConfig{SlotSamples: 5000, Buffers: 1}, testRate, testBatch, nil)
	_, err := r.Collect(time.Second)
	require.NoError(t, err)
	raw, filtered := batch(1)
	now := time.Now()

	allocs := testing.AllocsPerRun(50, func() {
		if r.Offer(1, now, raw, filtered) {
			r.free <- <-r.full
		}
	})
	assert.Zero(t, allocs)
}

func TestRecorder_Continuous(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3, 5000, nil)
	require.NoError(t, err)
	cfg := recorderConfig(5000)
	cfg.Continuous = true
	r := NewRecorder(store, cfg, testRate, testBatch, nil)
	startRecorder(t, r)

	_, err = r.Collect(time.Second)
	assert.ErrorIs(t, err, ErrContinuous)

	for seq := uint64(1); seq <= 5; seq++ {
		offer(t, r, seq)
		require.Eventually(t, func() bool { return r.Status().Stored == seq }, time.Second, time.Millisecond)
	}

	headers, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, headers, 3)
	for _, h := range headers {
		assert.Equal(t, uint32(testBatch), h.Samples)
		assert.GreaterOrEqual(t, h.Seq, uint64(3))
	}
}

// baseStore names the embedded field so it does not clash with the Store method.
type baseStore = Store

type failingStore struct{ baseStore }

func (failingStore) Store(context.Context, *Capture) (int, error) {
	return 0, errors.New("flash full")
}

func TestRecorder_Failed(t *testing.T) {
	r := NewRecorder(failingStore{}, recorderConfig(5000), testRate, testBatch, nil)
	startRecorder(t, r)

	_, err := r.Collect(time.Second)
	require.NoError(t, err)
	for seq := uint64(0); seq < 10; seq++ {
		offer(t, r, seq)
	}

	require.Eventually(t, func() bool { return r.Status().State == Failed }, time.Second, time.Millisecond)
	assert.EqualError(t, r.Status().Err, "flash full")

	_, err = r.Collect(time.Second)
	assert.NoError(t, err, "a failed collection can be retried")
}
