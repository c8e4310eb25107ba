package main

import (
	"fmt"
	"strconv"
	"time"

	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/display"
)

// stallingRenderer wraps the renderers so the Stall button can hold the
// presentation context past the watchdog timeout.
func stallingRenderer(state *appState, next display.Renderer) display.Renderer {
	return display.RendererFunc(func(f display.Frame) error {
		if state.stall.CompareAndSwap(true, false) {
			hold := state.cfg.Watchdog.Timeout + 2*state.cfg.Watchdog.Quantum
			state.logger.Info("stalling presentation", zap.Duration("hold", hold))
			time.Sleep(hold)
		}
		return next.Render(f)
	})
}

// handleStall arms a single presentation stall.
func handleStall(state *appState) {
	if !state.running() {
		return
	}
	state.stall.Store(true)
}

// showCollectDialog asks for a duration and starts a collection.
func showCollectDialog(state *appState) {
	r := state.current()
	if r == nil {
		return
	}

	seconds := widget.NewEntry()
	seconds.SetText("10")

	dialog.ShowForm("Collect", "Start", "Cancel",
		[]*widget.FormItem{{Text: "Duration (1-60 s)", Widget: seconds}},
		func(ok bool) {
			if !ok {
				return
			}
			n, err := strconv.Atoi(seconds.Text)
			if err != nil {
				dialog.ShowError(fmt.Errorf("invalid duration %q", seconds.Text), state.window)
				return
			}
			samples, err := r.sup.Collect(time.Duration(n) * time.Second)
			if err != nil {
				dialog.ShowError(fmt.Errorf("failed to start collection: %w", err), state.window)
				return
			}
			state.status.SetText(fmt.Sprintf("Collecting %d samples", samples))
		},
		state.window)
}
