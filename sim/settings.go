package main

import (
	"fmt"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/config"
)

const mockPort = "(mock)"

// showSettingsDialog displays a settings dialog with tabs for all configuration options.
func showSettingsDialog(state *appState) {
	tabs := container.NewAppTabs(
		createSourceTab(state),
		createDividerTab(state),
		createFilterTab(state),
		createWatchdogTab(state),
		createCaptureTab(state),
		createMockTab(state),
	)

	content := container.NewBorder(nil, nil, nil, nil, tabs)
	content.Resize(fyne.NewSize(600, 500))

	d := dialog.NewCustom("Settings", "Close", content, state.window)
	d.Resize(fyne.NewSize(600, 500))
	d.Show()
}

// applySettings validates the edited copy, saves it and restarts a running
// pipeline. The configuration is only read when a pipeline starts.
func applySettings(state *appState, edit func(cfg *config.Config)) {
	next := *state.cfg
	if state.cfg.Filter.Coefficients != nil {
		co := *state.cfg.Filter.Coefficients
		next.Filter.Coefficients = &co
	}
	edit(&next)

	if err := next.Validate(); err != nil {
		dialog.ShowError(err, state.window)
		return
	}
	*state.cfg = next

	if err := state.cfg.Save(state.configPath); err != nil {
		dialog.ShowError(fmt.Errorf("failed to save config: %w", err), state.window)
		return
	}

	if state.running() {
		handleStart(state) // stop
		handleStart(state)
	}
}

func floatEntry(v float64, format string) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(fmt.Sprintf(format, v))
	return e
}

func intEntry(v int) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(strconv.Itoa(v))
	return e
}

func durationEntry(v time.Duration) *widget.Entry {
	e := widget.NewEntry()
	e.SetText(v.String())
	return e
}

func parseFloat(e *widget.Entry, dst *float64) {
	if v, err := strconv.ParseFloat(e.Text, 64); err == nil {
		*dst = v
	}
}

func parseInt(e *widget.Entry, dst *int) {
	if v, err := strconv.Atoi(e.Text); err == nil {
		*dst = v
	}
}

func parseDuration(e *widget.Entry, dst *time.Duration) {
	if v, err := time.ParseDuration(e.Text); err == nil {
		*dst = v
	}
}

// createSourceTab creates the converter source tab.
func createSourceTab(state *appState) *container.TabItem {
	options := []string{mockPort}
	if ports, err := adc.Ports(); err == nil {
		options = append(options, ports...)
	}

	current := state.cfg.Sampling.SerialPort
	if current == "" {
		current = mockPort
	}
	found := false
	for _, opt := range options {
		if opt == current {
			found = true
			break
		}
	}
	if !found {
		options = append(options, current)
	}

	portSelect := widget.NewSelect(options, nil)
	portSelect.SetSelected(current)

	baud := intEntry(state.cfg.Sampling.BaudRate)
	period := durationEntry(state.cfg.Sampling.Period)
	batch := intEntry(state.cfg.Sampling.BatchLength)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "ADC Bridge Port", Widget: portSelect},
			{Text: "Baud Rate", Widget: baud},
			{Text: "Sample Period", Widget: period},
			{Text: "Batch Length", Widget: batch},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				cfg.Sampling.SerialPort = portSelect.Selected
				if cfg.Sampling.SerialPort == mockPort {
					cfg.Sampling.SerialPort = ""
				}
				parseInt(baud, &cfg.Sampling.BaudRate)
				parseDuration(period, &cfg.Sampling.Period)
				parseInt(batch, &cfg.Sampling.BatchLength)
			})
		},
	}

	return container.NewTabItem("Source", form)
}

// createDividerTab creates the voltage divider tab.
func createDividerTab(state *appState) *container.TabItem {
	r1 := floatEntry(state.cfg.Divider.R1, "%.0f")
	r2 := floatEntry(state.cfg.Divider.R2, "%.0f")
	vref := floatEntry(state.cfg.Sampling.VRef, "%.2f")

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "R1 (Ω)", Widget: r1},
			{Text: "R2 (Ω)", Widget: r2},
			{Text: "VRef (V)", Widget: vref},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				parseFloat(r1, &cfg.Divider.R1)
				parseFloat(r2, &cfg.Divider.R2)
				parseFloat(vref, &cfg.Sampling.VRef)
			})
		},
	}

	return container.NewTabItem("Divider", form)
}

// createFilterTab creates the conditioning pipeline tab.
func createFilterTab(state *appState) *container.TabItem {
	median := intEntry(state.cfg.Filter.MedianWindow)
	cutoff := floatEntry(state.cfg.Filter.CutoffHz, "%.1f")
	sag := floatEntry(state.cfg.Shots.SagMillivolts, "%.0f")
	minShot := durationEntry(state.cfg.Shots.MinDuration)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Median Window (odd)", Widget: median},
			{Text: "Low-pass Cutoff (Hz)", Widget: cutoff},
			{Text: "Shot Sag (mV)", Widget: sag},
			{Text: "Min Shot Duration", Widget: minShot},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				parseInt(median, &cfg.Filter.MedianWindow)
				parseFloat(cutoff, &cfg.Filter.CutoffHz)
				// A new cutoff replaces explicit coefficients.
				cfg.Filter.Coefficients = nil
				parseFloat(sag, &cfg.Shots.SagMillivolts)
				parseDuration(minShot, &cfg.Shots.MinDuration)
			})
		},
	}

	return container.NewTabItem("Filter", form)
}

// createWatchdogTab creates the watchdog tab.
func createWatchdogTab(state *appState) *container.TabItem {
	timeout := durationEntry(state.cfg.Watchdog.Timeout)
	quantum := durationEntry(state.cfg.Watchdog.Quantum)
	frameRate := intEntry(state.cfg.Presentation.FrameRate)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Timeout", Widget: timeout},
			{Text: "Quantum", Widget: quantum},
			{Text: "Frame Rate (fps)", Widget: frameRate},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				parseDuration(timeout, &cfg.Watchdog.Timeout)
				parseDuration(quantum, &cfg.Watchdog.Quantum)
				parseInt(frameRate, &cfg.Presentation.FrameRate)
			})
		},
	}

	return container.NewTabItem("Watchdog", form)
}

// createCaptureTab creates the capture ring tab.
func createCaptureTab(state *appState) *container.TabItem {
	backend := widget.NewSelect([]string{"none", "file", "sqlite"}, nil)
	backend.SetSelected(state.cfg.Capture.Backend)

	path := widget.NewEntry()
	path.SetText(state.cfg.Capture.Path)
	slots := intEntry(state.cfg.Capture.Slots)
	slotSamples := intEntry(state.cfg.Capture.SlotSamples)
	continuous := widget.NewCheck("", nil)
	continuous.SetChecked(state.cfg.Capture.Continuous)

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Backend", Widget: backend},
			{Text: "Path", Widget: path},
			{Text: "Slots", Widget: slots},
			{Text: "Samples per Slot", Widget: slotSamples},
			{Text: "Continuous", Widget: continuous},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				cfg.Capture.Backend = backend.Selected
				cfg.Capture.Path = path.Text
				parseInt(slots, &cfg.Capture.Slots)
				parseInt(slotSamples, &cfg.Capture.SlotSamples)
				cfg.Capture.Continuous = continuous.Checked
			})
		},
	}

	return container.NewTabItem("Capture", form)
}

// createMockTab creates the mock converter tab.
func createMockTab(state *appState) *container.TabItem {
	nominal := floatEntry(state.cfg.Mock.NominalMillivolts, "%.0f")
	noise := floatEntry(state.cfg.Mock.NoiseMillivolts, "%.1f")
	ripple := floatEntry(state.cfg.Mock.RippleHz, "%.1f")
	spikeEvery := intEntry(state.cfg.Mock.SpikeEvery)
	busyEvery := intEntry(state.cfg.Mock.BusyEvery)
	shotPeriod := durationEntry(state.cfg.Mock.ShotPeriod)
	shotDuration := durationEntry(state.cfg.Mock.ShotDuration)
	sag := floatEntry(state.cfg.Mock.SagMillivolts, "%.0f")

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Nominal (mV)", Widget: nominal},
			{Text: "Noise (mV)", Widget: noise},
			{Text: "Ripple (Hz)", Widget: ripple},
			{Text: "Spike Every (0=never)", Widget: spikeEvery},
			{Text: "Busy Every (0=never)", Widget: busyEvery},
			{Text: "Shot Period", Widget: shotPeriod},
			{Text: "Shot Duration", Widget: shotDuration},
			{Text: "Shot Sag (mV)", Widget: sag},
		},
		OnSubmit: func() {
			applySettings(state, func(cfg *config.Config) {
				parseFloat(nominal, &cfg.Mock.NominalMillivolts)
				parseFloat(noise, &cfg.Mock.NoiseMillivolts)
				parseFloat(ripple, &cfg.Mock.RippleHz)
				parseInt(spikeEvery, &cfg.Mock.SpikeEvery)
				parseInt(busyEvery, &cfg.Mock.BusyEvery)
				parseDuration(shotPeriod, &cfg.Mock.ShotPeriod)
				parseDuration(shotDuration, &cfg.Mock.ShotDuration)
				parseFloat(sag, &cfg.Mock.SagMillivolts)
			})
		},
	}

	return container.NewTabItem("Mock", form)
}
