// Command lipomon runs the battery voltage monitor as a headless daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/capture"
	"github.com/itohio/lipomon/pkg/config"
	"github.com/itohio/lipomon/pkg/console"
	"github.com/itohio/lipomon/pkg/logging"
	"github.com/itohio/lipomon/pkg/metrics"
	"github.com/itohio/lipomon/pkg/supervisor"
	"github.com/itohio/lipomon/pkg/uplink"
	"github.com/itohio/lipomon/pkg/watchdog"
)

func main() {
	var (
		configFlag  = flag.String("config", "config.yaml", "Configuration file path")
		portFlag    = flag.String("p", "", "ADC bridge serial port override (e.g., /dev/ttyACM0)")
		mockFlag    = flag.Bool("mock", false, "Use the mock converter instead of the ADC bridge")
		consoleFlag = flag.String("console", "", "Command console serial port override")
		listFlag    = flag.Bool("list-ports", false, "List serial ports and exit")
	)
	flag.Parse()

	if *listFlag {
		ports, err := adc.Ports()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *portFlag != "" {
		cfg.Sampling.SerialPort = *portFlag
	}
	if *mockFlag {
		cfg.Sampling.SerialPort = ""
	}
	if *consoleFlag != "" {
		cfg.Console.Port = *consoleFlag
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	store, err := capture.Open(cfg.Capture, logger)
	if err != nil {
		return fmt.Errorf("opening capture store: %w", err)
	}
	if store != nil {
		defer func() { err = multierr.Append(err, store.Close()) }()
	}

	var exporter *metrics.Exporter
	opts := []supervisor.Option{
		supervisor.WithConverter(supervisor.HardwareConverter(logger)),
		supervisor.WithLogger(logger),
		supervisor.OnRestart(func(ev watchdog.Event) {
			if exporter != nil {
				exporter.ObserveRestart(ev)
			}
		}),
	}
	if store != nil {
		opts = append(opts, supervisor.WithCaptureStore(store))
	}

	sup, err := supervisor.New(cfg, opts...)
	if err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		exporter = metrics.New(sup, sup, logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				// Any service failing takes the process down.
				cancel()
			}
		}()
	}

	spawn("supervisor", sup.Run)

	if exporter != nil {
		spawn("metrics", func(ctx context.Context) error {
			return exporter.Serve(ctx, cfg.Metrics.Listen)
		})
	}

	if cfg.Console.Port != "" {
		spawn("console", func(ctx context.Context) error {
			return serveConsole(ctx, cfg.Console, console.New(sup, store, logger))
		})
	}

	if cfg.Uplink.Broker != "" {
		pub, err := uplink.New(cfg.Uplink, logger)
		if err != nil {
			cancel()
			wg.Wait()
			return multierr.Append(errs, err)
		}
		spawn("uplink", func(ctx context.Context) error {
			if err := pub.Connect(); err != nil {
				return err
			}
			defer pub.Close()
			return pub.Run(ctx, sup)
		})
	}

	logger.Info("running",
		zap.String("converter", converterName(cfg)),
		zap.String("capture", cfg.Capture.Backend),
		zap.String("metrics", cfg.Metrics.Listen),
		zap.String("console", cfg.Console.Port),
		zap.String("uplink", cfg.Uplink.Broker))

	wg.Wait()
	logger.Info("stopped", zap.Uint64("restarts", sup.Restarts()))
	return errs
}

func converterName(cfg *config.Config) string {
	if cfg.Sampling.SerialPort == "" {
		return "mock"
	}
	return cfg.Sampling.SerialPort
}

func serveConsole(ctx context.Context, cfg config.ConsoleConfig, c *console.Console) error {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = console.DefaultBaudRate
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	err = c.Serve(ctx, port)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
