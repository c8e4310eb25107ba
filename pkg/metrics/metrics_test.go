package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/telemetry"
	"github.com/itohio/lipomon/pkg/watchdog"
)

type captureStub struct{ status capture.Status }

func (c captureStub) CaptureStatus() (capture.Status, bool) { return c.status, true }

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestExporter_Scrape(t *testing.T) {
	store := telemetry.New()
	require.NoError(t, store.Publish(
		telemetry.Measurement{Seq: 12, Millivolts: 11100, Shots: 3},
		telemetry.Health{BuffersProcessed: 12, BuffersDropped: 1, SamplesSkipped: 4, WatchdogKicks: 40},
	))

	e := New(store, captureStub{capture.Status{Stored: 2, Drops: 5}}, nil)
	e.ObserveRestart(watchdog.Event{Context: "presentation"})
	e.ObserveRestart(watchdog.Event{Context: "presentation"})

	body := scrape(t, e.Handler())
	for _, line := range []string{
		"lipomon_battery_millivolts 11100",
		"lipomon_shots_total 3",
		"lipomon_batch_sequence 12",
		"lipomon_buffers_processed_total 12",
		"lipomon_buffers_dropped_total 1",
		"lipomon_samples_skipped_total 4",
		"lipomon_watchdog_kicks_total 40",
		"lipomon_captures_stored_total 2",
		"lipomon_capture_drops_total 5",
		`lipomon_watchdog_restarts_total{context="presentation"} 2`,
	} {
		assert.Contains(t, body, line)
	}

	// Scrapes do not consume the dirty flag.
	rec, err := store.ReadAndClear()
	require.NoError(t, err)
	assert.True(t, rec.Dirty)
}

func TestExporter_NoStore(t *testing.T) {
	e := New(&telemetry.Store{}, nil, nil)

	body := scrape(t, e.Handler())
	assert.NotContains(t, body, "lipomon_battery_millivolts")
}

func TestExporter_Serve(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	e := New(telemetry.New(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && len(body) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not stop")
	}
}
