package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/display"
	"github.com/itohio/lipomon/pkg/watchdog"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sampling.Period = time.Millisecond
	cfg.Sampling.BatchLength = 20
	cfg.Filter.CutoffHz = 50
	cfg.Watchdog.Timeout = 100 * time.Millisecond
	cfg.Watchdog.Quantum = 10 * time.Millisecond
	cfg.Capture.Backend = "none"
	return cfg
}

func start(t *testing.T, s *Supervisor) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	var err error
	cancel = func() error {
		once.Do(func() {
			stop()
			select {
			case err = <-done:
			case <-time.After(2 * time.Second):
				err = errors.New("supervisor did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { cancel() })
	return cancel
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Filter.MedianWindow = 4
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrFilter)
}

func TestSupervisor_PublishesAndStops(t *testing.T) {
	var renders atomic.Uint64
	s, err := New(testConfig(), WithRenderer(display.RendererFunc(func(display.Frame) error {
		renders.Add(1)
		return nil
	})))
	require.NoError(t, err)

	_, err = s.Snapshot()
	assert.ErrorIs(t, err, ErrRestarting)

	stop := start(t, s)

	require.Eventually(t, func() bool {
		rec, err := s.Snapshot()
		return err == nil && rec.Seq >= 3
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := s.Snapshot()
	require.NoError(t, err)
	assert.InDelta(t, 11100, rec.Millivolts, 100)
	assert.NotZero(t, rec.WatchdogKicks)
	assert.Equal(t, uint64(1), s.Generation())
	require.Eventually(t, func() bool { return renders.Load() > 0 }, time.Second, 5*time.Millisecond)

	_, ok := s.CaptureStatus()
	assert.False(t, ok)
	_, err = s.Collect(time.Second)
	assert.Error(t, err)
	assert.Equal(t, capture.Idle, s.Status().State)

	require.NoError(t, stop())
	assert.Zero(t, s.Restarts())
	assert.Zero(t, s.Generation())
}

func TestSupervisor_ColdRestartOnStall(t *testing.T) {
	var stall atomic.Bool
	stall.Store(true)
	renderer := display.RendererFunc(func(display.Frame) error {
		if stall.CompareAndSwap(true, false) {
			time.Sleep(300 * time.Millisecond)
		}
		return nil
	})

	events := make(chan watchdog.Event, 4)
	s, err := New(testConfig(),
		WithRenderer(renderer),
		OnRestart(func(ev watchdog.Event) { events <- ev }))
	require.NoError(t, err)

	stop := start(t, s)

	var ev watchdog.Event
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	assert.Equal(t, "presentation", ev.Context)
	assert.GreaterOrEqual(t, ev.Stalled, 100*time.Millisecond)

	// The next generation starts from scratch.
	require.Eventually(t, func() bool { return s.Generation() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		rec, err := s.Snapshot()
		return err == nil && rec.Seq >= 1
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := s.Snapshot()
	require.NoError(t, err)
	assert.Less(t, rec.BuffersProcessed, uint64(20), "counters reset on restart")

	require.NoError(t, stop())
	assert.Equal(t, uint64(1), s.Restarts())
	assert.Empty(t, events)
}

type closingConverter struct {
	adc.Converter
	closed atomic.Int32
}

func (c *closingConverter) Close() error {
	c.closed.Add(1)
	return nil
}

func TestSupervisor_ClosesConverter(t *testing.T) {
	var convs []*closingConverter
	var mu sync.Mutex
	s, err := New(testConfig(), WithConverter(func(cfg *config.Config) (adc.Converter, error) {
		c := &closingConverter{Converter: adc.NewMock(cfg)}
		mu.Lock()
		convs = append(convs, c)
		mu.Unlock()
		return c, nil
	}))
	require.NoError(t, err)

	stop := start(t, s)
	require.Eventually(t, func() bool { return s.Generation() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, convs, 1)
	assert.Equal(t, int32(1), convs[0].closed.Load())
}

func TestSupervisor_ConverterError(t *testing.T) {
	s, err := New(testConfig(), WithConverter(func(*config.Config) (adc.Converter, error) {
		return nil, errors.New("no port")
	}))
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.EqualError(t, err, "creating converter: no port")
}

func TestSupervisor_RetriesFailedReboot(t *testing.T) {
	var calls atomic.Int32
	events := make(chan watchdog.Event, 4)
	s, err := New(testConfig(),
		WithConverter(func(cfg *config.Config) (adc.Converter, error) {
			switch calls.Add(1) {
			case 1:
				return adc.ConverterFunc(func() (uint16, bool) { return 0, false }), nil
			case 2:
				return nil, errors.New("port vanished")
			default:
				return adc.NewMock(cfg), nil
			}
		}),
		OnRestart(func(ev watchdog.Event) { events <- ev }))
	require.NoError(t, err)

	stop := start(t, s)

	select {
	case ev := <-events:
		assert.Equal(t, "acquisition", ev.Context)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}

	require.Eventually(t, func() bool {
		rec, err := s.Snapshot()
		return err == nil && rec.Seq >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(3), s.Generation())

	require.NoError(t, stop())
	assert.Equal(t, uint64(1), s.Restarts())
}

func TestSupervisor_StopsWhileRebootFails(t *testing.T) {
	var calls atomic.Int32
	s, err := New(testConfig(), WithConverter(func(cfg *config.Config) (adc.Converter, error) {
		if calls.Add(1) == 1 {
			return adc.ConverterFunc(func() (uint16, bool) { return 0, false }), nil
		}
		return nil, errors.New("port vanished")
	}))
	require.NoError(t, err)

	stop := start(t, s)
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Generation())

	require.NoError(t, stop())
	assert.Equal(t, uint64(1), s.Restarts())
}

func TestSupervisor_Capture(t *testing.T) {
	cfg := testConfig()
	cfg.Capture.Backend = "file"
	cfg.Capture.SlotSamples = 2000

	store, err := capture.NewFileStore(t.TempDir(), 2, cfg.Capture.SlotSamples, nil)
	require.NoError(t, err)
	defer store.Close()

	s, err := New(cfg, WithCaptureStore(store))
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool { return s.Generation() == 1 }, time.Second, 5*time.Millisecond)

	samples, err := s.Collect(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1000, samples)

	require.Eventually(t, func() bool {
		st, ok := s.CaptureStatus()
		return ok && st.State == capture.Complete
	}, 5*time.Second, 10*time.Millisecond)

	headers, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, uint32(1000), headers[0].Samples)
	assert.True(t, headers[0].HasFiltered)
	assert.Equal(t, uint32(1000), headers[0].SampleRate)
}

func TestHardwareConverter_Mock(t *testing.T) {
	conv, err := HardwareConverter(nil)(testConfig())
	require.NoError(t, err)
	assert.IsType(t, &adc.Mock{}, conv)
}

func TestHardwareConverter_MissingPort(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling.SerialPort = "/dev/lipomon-does-not-exist"
	_, err := HardwareConverter(nil)(cfg)
	assert.Error(t, err)
}
