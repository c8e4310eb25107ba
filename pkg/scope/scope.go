// Package scope is a Fyne widget plotting the battery voltage history.
package scope

import (
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/lipomon/pkg/display"
	"github.com/itohio/lipomon/pkg/telemetry"
)

const (
	// Smallest vertical span in millivolts.
	minSpan = 200
	margin  = 0.1
)

// Widget is a custom Fyne widget that displays an oscilloscope-style voltage
// trace. It is fed as a display.Renderer.
type Widget struct {
	widget.BaseWidget

	// Data (protected by mu)
	mu      sync.RWMutex
	history []float32
	record  telemetry.Record
	yMin    float32
	yMax    float32

	refresh func()
}

var _ display.Renderer = (*Widget)(nil)

// New creates a new scope widget.
func New() *Widget {
	s := &Widget{yMin: 0, yMax: 1}
	s.refresh = func() { fyne.Do(s.Refresh) }
	s.ExtendBaseWidget(s)
	return s
}

// Render copies the frame history and schedules a redraw on the main thread.
func (s *Widget) Render(f display.Frame) error {
	s.mu.Lock()
	s.history = append(s.history[:0], f.History...)
	s.record = f.Record
	s.yMin, s.yMax = autoScale(s.history)
	s.mu.Unlock()

	// Refresh must run outside the lock.
	s.refresh()
	return nil
}

// autoScale returns the plot range for values with a 10% margin and a
// minimum span.
func autoScale(values []float32) (lo, hi float32) {
	if len(values) == 0 {
		return 0, 1
	}
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if span := hi - lo; span < minSpan {
		mid := (hi + lo) / 2
		lo, hi = mid-minSpan/2, mid+minSpan/2
	}
	m := (hi - lo) * margin
	return lo - m, hi + m
}

// CreateRenderer creates the widget renderer.
func (s *Widget) CreateRenderer() fyne.WidgetRenderer {
	background := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255})
	return &renderer{
		scope:      s,
		background: background,
		objects:    []fyne.CanvasObject{background},
	}
}
