package display

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

type captureRenderer struct {
	mu     sync.Mutex
	frames []Frame
	err    error
}

func (c *captureRenderer) Render(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.History = append([]float32(nil), f.History...)
	c.frames = append(c.frames, f)
	return c.err
}

func (c *captureRenderer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureRenderer) last() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

func presentationConfig() config.PresentationConfig {
	return config.PresentationConfig{FrameRate: 200, History: 16, Width: 8, Height: 8}
}

func runPresenter(t *testing.T, p *Presenter) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(time.Second):
			t.Fatal("presenter did not stop")
			return nil
		}
	}
}

func TestPresenter_RendersOnlyFreshRecords(t *testing.T) {
	store := telemetry.New()
	renderer := &captureRenderer{}
	wd := watchdog.New(time.Second)
	p := NewPresenter(store, renderer, presentationConfig(), WithWatchdog(wd))
	stop := runPresenter(t, p)

	require.NoError(t, store.Publish(telemetry.Measurement{Seq: 1, Millivolts: 11000}, telemetry.Health{}))
	require.Eventually(t, func() bool { return renderer.count() == 1 }, time.Second, time.Millisecond)

	// No new publish: frames keep ticking, nothing is rendered.
	frames := p.Frames()
	require.Eventually(t, func() bool { return p.Frames() > frames+5 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, renderer.count())

	require.NoError(t, store.Publish(telemetry.Measurement{Seq: 2, Millivolts: 11100}, telemetry.Health{}))
	require.Eventually(t, func() bool { return renderer.count() == 2 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, stop(), context.Canceled)

	f := renderer.last()
	assert.Equal(t, uint64(2), f.Record.Seq)
	assert.Equal(t, []float32{11000, 11100}, f.History)
	assert.Equal(t, uint64(2), p.Renders())
	assert.Equal(t, p.Frames(), wd.Kicks(), "one kick per frame")
}

func TestPresenter_HistoryIsDecimated(t *testing.T) {
	store := telemetry.New()
	renderer := &captureRenderer{}
	p := NewPresenter(store, renderer, presentationConfig())
	stop := runPresenter(t, p)

	for i := 1; i <= 16; i++ {
		require.NoError(t, store.Publish(telemetry.Measurement{Seq: uint64(i), Millivolts: float32(i)}, telemetry.Health{}))
		require.Eventually(t, func() bool { return renderer.count() == i }, time.Second, time.Millisecond)
	}
	require.NoError(t, stop())

	assert.Equal(t, []float32{1, 3, 5, 7, 9, 11, 13, 15}, renderer.last().History)
}

func TestPresenter_RenderErrorsDoNotStop(t *testing.T) {
	store := telemetry.New()
	renderer := &captureRenderer{err: errors.New("panel off")}
	p := NewPresenter(store, renderer, presentationConfig())
	stop := runPresenter(t, p)

	require.NoError(t, store.Publish(telemetry.Measurement{Seq: 1}, telemetry.Health{}))
	require.Eventually(t, func() bool { return renderer.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, store.Publish(telemetry.Measurement{Seq: 2}, telemetry.Health{}))
	require.Eventually(t, func() bool { return renderer.count() == 2 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, stop(), context.Canceled)
	assert.Zero(t, p.Renders())
}

func TestPresenter_StoreNotInitialized(t *testing.T) {
	p := NewPresenter(&telemetry.Store{}, &captureRenderer{}, presentationConfig())

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, telemetry.ErrNotInitialized)
}

func TestLogRenderer(t *testing.T) {
	r := NewLogRenderer(nil, 100*time.Millisecond)
	now := time.Now()
	assert.NoError(t, r.Render(Frame{At: now}))
	assert.NoError(t, r.Render(Frame{At: now.Add(10 * time.Millisecond)}))
	assert.Equal(t, now, r.last)
	assert.NoError(t, r.Render(Frame{At: now.Add(200 * time.Millisecond)}))
	assert.Equal(t, now.Add(200*time.Millisecond), r.last)
}

func TestFanout(t *testing.T) {
	var calls []string
	record := func(name string, err error) Renderer {
		return RendererFunc(func(Frame) error {
			calls = append(calls, name)
			return err
		})
	}

	r := Fanout{record("a", errors.New("a failed")), record("b", nil), record("c", errors.New("c failed"))}
	err := r.Render(Frame{})
	assert.EqualError(t, err, "a failed; c failed")
	assert.Equal(t, []string{"a", "b", "c"}, calls)

	assert.NoError(t, Fanout(nil).Render(Frame{}))
}
