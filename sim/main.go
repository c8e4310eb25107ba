// Command sim runs the monitor on the desktop and shows the handheld display
// in a window.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"go.uber.org/zap"
	"golang.org/x/image/font/gofont/gomono"

	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/display"
	"github.com/itohio/lipomon/pkg/logging"
	"github.com/itohio/lipomon/pkg/scope"
	"github.com/itohio/lipomon/pkg/supervisor"
	"github.com/itohio/lipomon/pkg/watchdog"
)

const (
	statusInterval  = 500 * time.Millisecond
	displayFontSize = 11
)

func main() {
	var (
		portFlag   = flag.String("p", "", "ADC bridge serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use the mock converter instead of the ADC bridge")
	)
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *portFlag != "" {
		cfg.Sampling.SerialPort = *portFlag
	}
	if *mockFlag {
		cfg.Sampling.SerialPort = ""
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	application := app.NewWithID("com.itohio.lipomon")
	window := application.NewWindow("LiPo Monitor")
	window.Resize(fyne.NewSize(800, 800))
	window.CenterOnScreen()

	state := &appState{
		cfg:        cfg,
		configPath: *configFlag,
		window:     window,
		logger:     logger,
	}

	state.screen = canvas.NewImageFromImage(image.NewGray(image.Rect(0, 0, cfg.Presentation.Width, cfg.Presentation.Height)))
	state.screen.FillMode = canvas.ImageFillContain
	state.screen.ScaleMode = canvas.ImageScalePixels
	state.screen.SetMinSize(fyne.NewSize(384, 384))

	state.scopeWidget = scope.New()
	state.status = widget.NewLabel("Stopped")

	window.SetContent(container.NewBorder(
		createToolbar(state),
		state.status,
		nil,
		nil,
		container.NewVSplit(state.screen, state.scopeWidget),
	))
	window.SetOnClosed(func() { state.stop() })
	window.ShowAndRun()
}

// run is one started pipeline.
type run struct {
	sup    *supervisor.Supervisor
	store  capture.Store
	cancel context.CancelFunc
	done   chan struct{}
}

// appState holds the application state.
type appState struct {
	cfg        *config.Config
	configPath string
	window     fyne.Window
	logger     *zap.Logger

	startBtn    *widget.Button
	stallBtn    *widget.Button
	collectBtn  *widget.Button
	screen      *canvas.Image
	scopeWidget *scope.Widget
	status      *widget.Label

	mu  sync.Mutex
	cur *run

	stall atomic.Bool
}

// createToolbar creates the toolbar with Start, Settings, Collect and Stall buttons.
func createToolbar(state *appState) fyne.CanvasObject {
	state.startBtn = widget.NewButtonWithIcon("", theme.MediaPlayIcon(), func() {
		handleStart(state)
	})

	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(state)
	})

	state.collectBtn = widget.NewButtonWithIcon("Collect", theme.DocumentSaveIcon(), func() {
		showCollectDialog(state)
	})
	state.collectBtn.Disable()

	state.stallBtn = widget.NewButtonWithIcon("Stall", theme.WarningIcon(), func() {
		handleStall(state)
	})
	state.stallBtn.Disable()

	return container.NewBorder(
		nil,
		nil,
		container.NewHBox(state.startBtn, settingsBtn),
		container.NewHBox(state.collectBtn, state.stallBtn),
		nil,
	)
}

// handleStart starts or stops the pipeline.
func handleStart(state *appState) {
	if state.running() {
		state.stop()
		state.startBtn.SetIcon(theme.MediaPlayIcon())
		state.collectBtn.Disable()
		state.stallBtn.Disable()
		state.status.SetText("Stopped")
		return
	}

	if err := state.start(); err != nil {
		dialog.ShowError(err, state.window)
		return
	}
	state.startBtn.SetIcon(theme.MediaStopIcon())
	state.stallBtn.Enable()
	if state.current().store != nil {
		state.collectBtn.Enable()
	}
}

func (s *appState) running() bool { return s.current() != nil }

func (s *appState) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *appState) start() error {
	store, err := capture.Open(s.cfg.Capture, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open capture store: %w", err)
	}

	var frameOpts []display.FrameOption
	if face, err := display.TrueTypeFace(gomono.TTF, displayFontSize); err == nil {
		frameOpts = append(frameOpts, display.WithFace(face))
	} else {
		s.logger.Warn("falling back to bitmap font", zap.Error(err))
	}
	frames := display.NewFrameRenderer(s.cfg.Presentation.Width, s.cfg.Presentation.Height, s.showFrame, frameOpts...)
	opts := []supervisor.Option{
		supervisor.WithConverter(supervisor.HardwareConverter(s.logger)),
		supervisor.WithRenderer(stallingRenderer(s, display.Fanout{frames, s.scopeWidget})),
		supervisor.WithLogger(s.logger),
		supervisor.OnRestart(func(ev watchdog.Event) {
			s.logger.Warn("watchdog restart", zap.String("context", ev.Context))
		}),
	}
	if store != nil {
		opts = append(opts, supervisor.WithCaptureStore(store))
	}

	sup, err := supervisor.New(s.cfg, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{sup: sup, store: store, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(r.done)
		if err := sup.Run(ctx); err != nil {
			fyne.Do(func() { dialog.ShowError(err, s.window) })
		}
	}()
	go s.updateStatus(ctx, sup)

	s.mu.Lock()
	s.cur = r
	s.mu.Unlock()
	return nil
}

func (s *appState) stop() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			s.logger.Warn("closing capture store", zap.Error(err))
		}
	}
}

// showFrame copies the rendered frame and shows it on the main thread.
func (s *appState) showFrame(img *image.Gray) {
	frame := image.NewGray(img.Rect)
	copy(frame.Pix, img.Pix)
	fyne.Do(func() {
		s.screen.Image = frame
		s.screen.Refresh()
	})
}

func (s *appState) updateStatus(ctx context.Context, sup *supervisor.Supervisor) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text := fmt.Sprintf("Generation %d, restarts %d", sup.Generation(), sup.Restarts())
			if st, ok := sup.CaptureStatus(); ok {
				text += ", capture " + st.State.String()
				if st.State == capture.Collecting && st.Target > 0 {
					text += fmt.Sprintf(" %d%%", st.Collected*100/st.Target)
				}
			}
			fyne.Do(func() { s.status.SetText(text) })
		}
	}
}
