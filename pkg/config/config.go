package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
// Everything here is fixed at initialization; nothing is reconfigured at runtime.
type Config struct {
	Sampling     SamplingConfig     `yaml:"sampling"`
	Divider      DividerConfig      `yaml:"divider"`
	Filter       FilterConfig       `yaml:"filter"`
	Shots        ShotsConfig        `yaml:"shots"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Presentation PresentationConfig `yaml:"presentation"`
	Capture      CaptureConfig      `yaml:"capture"`
	Console      ConsoleConfig      `yaml:"console"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Uplink       UplinkConfig       `yaml:"uplink"`
	Logging      LoggingConfig      `yaml:"logging"`
	Mock         MockConfig         `yaml:"mock"`
}

// SamplingConfig contains the converter pacing and batch geometry.
type SamplingConfig struct {
	Period      time.Duration `yaml:"period"`       // Sample period (200us = 5 kHz)
	BatchLength int           `yaml:"batch_length"` // Samples per batch buffer
	Bits        int           `yaml:"bits"`         // Converter resolution
	VRef        float64       `yaml:"vref"`         // Converter reference voltage (V)
	SerialPort  string        `yaml:"serial_port"`  // ADC bridge port; empty uses the mock converter
	BaudRate    int           `yaml:"baud_rate"`
}

// DividerConfig contains the attenuation network in front of the converter.
type DividerConfig struct {
	R1 float64 `yaml:"r1"` // To battery
	R2 float64 `yaml:"r2"` // To ground
}

// FilterConfig contains the conditioning pipeline parameters.
type FilterConfig struct {
	MedianWindow int                `yaml:"median_window"` // Odd window size
	CutoffHz     float64            `yaml:"cutoff_hz"`
	Coefficients *CoefficientConfig `yaml:"coefficients,omitempty"` // Overrides CutoffHz when set
}

// CoefficientConfig holds explicit low-pass coefficients.
type CoefficientConfig struct {
	A0 float64 `yaml:"a0"`
	A1 float64 `yaml:"a1"`
	B1 float64 `yaml:"b1"`
}

// ShotsConfig contains the voltage sag event detector parameters.
type ShotsConfig struct {
	SagMillivolts  float64       `yaml:"sag_millivolts"`
	MinDuration    time.Duration `yaml:"min_duration"`
	BaselineWindow time.Duration `yaml:"baseline_window"`
}

// WatchdogConfig contains the supervisory countdown parameters.
type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Quantum time.Duration `yaml:"quantum"`
}

// PresentationConfig contains the display loop parameters.
type PresentationConfig struct {
	FrameRate int `yaml:"frame_rate"` // Frames per second
	History   int `yaml:"history"`    // Number of past records kept for the sparkline
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
}

// CaptureConfig contains the capture ring parameters.
type CaptureConfig struct {
	Backend     string `yaml:"backend"` // "file", "sqlite" or "none"
	Path        string `yaml:"path"`
	Slots       int    `yaml:"slots"`
	SlotSamples int    `yaml:"slot_samples"` // Maximum samples per slot
	Buffers     int    `yaml:"buffers"`      // Pre-allocated batch copies for the tee
	Continuous  bool   `yaml:"continuous"`   // Store every batch as its own slot
}

// ConsoleConfig contains the command console port.
type ConsoleConfig struct {
	Port     string `yaml:"port"` // Empty disables the console
	BaudRate int    `yaml:"baud_rate"`
}

// MetricsConfig contains the metrics endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // Empty disables the endpoint
}

// UplinkConfig contains the MQTT telemetry uplink.
type UplinkConfig struct {
	Broker      string        `yaml:"broker"` // Empty disables the uplink
	TopicPrefix string        `yaml:"topic_prefix"`
	DeviceID    string        `yaml:"device_id"` // Empty derives one from the machine id
	Interval    time.Duration `yaml:"interval"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MockConfig contains mock converter configuration.
type MockConfig struct {
	NominalMillivolts float64       `yaml:"nominal_millivolts"` // Resting pack voltage
	NoiseMillivolts   float64       `yaml:"noise_millivolts"`   // Peak ripple amplitude
	RippleHz          float64       `yaml:"ripple_hz"`          // Dominant ripple frequency
	SpikeEvery        int           `yaml:"spike_every"`        // Inject a spike every N conversions (0 = never)
	BusyEvery         int           `yaml:"busy_every"`         // Report busy every N triggers (0 = never)
	ShotPeriod        time.Duration `yaml:"shot_period"`        // Time between motor bursts
	ShotDuration      time.Duration `yaml:"shot_duration"`
	SagMillivolts     float64       `yaml:"sag_millivolts"` // Voltage drop during a burst
}

// SampleRateHz returns the sample rate derived from the sample period.
func (s SamplingConfig) SampleRateHz() float64 {
	if s.Period <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Period)
}

// MaxCode returns the full-scale converter code.
func (s SamplingConfig) MaxCode() uint16 {
	return uint16(1<<s.Bits - 1)
}

// Ratio returns the divider ratio (R1 + R2) / R2.
func (d DividerConfig) Ratio() float64 {
	return (d.R1 + d.R2) / d.R2
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Sampling: SamplingConfig{
			Period:      200 * time.Microsecond, // 5 kHz
			BatchLength: 512,                    // ~102 ms per batch
			Bits:        12,
			VRef:        3.3,
			BaudRate:    921600,
		},
		Divider: DividerConfig{
			R1: 28000, // 11.1V LiPo -> 3.3V max
			R2: 10000,
		},
		Filter: FilterConfig{
			MedianWindow: 5,
			CutoffHz:     100,
		},
		Shots: ShotsConfig{
			SagMillivolts:  300,
			MinDuration:    2 * time.Millisecond,
			BaselineWindow: 500 * time.Millisecond,
		},
		Watchdog: WatchdogConfig{
			Timeout: 2 * time.Second,
			Quantum: 10 * time.Millisecond,
		},
		Presentation: PresentationConfig{
			FrameRate: 60,
			History:   256,
			Width:     128,
			Height:    128,
		},
		Capture: CaptureConfig{
			Backend:     "file",
			Path:        "captures",
			Slots:       10,
			SlotSamples: 50000,
			Buffers:     4,
		},
		Console: ConsoleConfig{
			BaudRate: 115200,
		},
		Uplink: UplinkConfig{
			TopicPrefix: "lipomon",
			Interval:    time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Mock: MockConfig{
			NominalMillivolts: 11100,
			NoiseMillivolts:   40,
			RippleHz:          106,
			SpikeEvery:        997,
			ShotPeriod:        3 * time.Second,
			ShotDuration:      40 * time.Millisecond,
			SagMillivolts:     900,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validation errors.
var (
	ErrSampling     = errors.New("invalid sampling configuration")
	ErrFilter       = errors.New("invalid filter configuration")
	ErrWatchdog     = errors.New("invalid watchdog configuration")
	ErrPresentation = errors.New("invalid presentation configuration")
	ErrCapture      = errors.New("invalid capture configuration")
)

// Validate checks the static configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Sampling.Period <= 0 || c.Sampling.BatchLength <= 0 {
		return fmt.Errorf("%w: period=%s batch_length=%d", ErrSampling, c.Sampling.Period, c.Sampling.BatchLength)
	}
	if c.Sampling.Bits <= 0 || c.Sampling.Bits > 16 {
		return fmt.Errorf("%w: bits=%d", ErrSampling, c.Sampling.Bits)
	}
	if c.Divider.R2 <= 0 || c.Divider.R1 < 0 {
		return fmt.Errorf("%w: divider r1=%g r2=%g", ErrSampling, c.Divider.R1, c.Divider.R2)
	}

	if c.Filter.MedianWindow < 1 || c.Filter.MedianWindow%2 == 0 {
		return fmt.Errorf("%w: median window must be odd, got %d", ErrFilter, c.Filter.MedianWindow)
	}
	if co := c.Filter.Coefficients; co != nil {
		if math.Abs(co.B1) >= 1 {
			return fmt.Errorf("%w: unstable b1=%g", ErrFilter, co.B1)
		}
		if gain := (co.A0 + co.A1) / (1 + co.B1); math.Abs(gain-1) > 0.001 {
			return fmt.Errorf("%w: dc gain %.5f outside 0.1%%", ErrFilter, gain)
		}
	} else if nyquist := c.Sampling.SampleRateHz() / 2; c.Filter.CutoffHz <= 0 || c.Filter.CutoffHz >= nyquist {
		return fmt.Errorf("%w: cutoff %g Hz outside (0, %g)", ErrFilter, c.Filter.CutoffHz, nyquist)
	}

	if c.Watchdog.Quantum <= 0 || c.Watchdog.Timeout <= c.Watchdog.Quantum {
		return fmt.Errorf("%w: timeout=%s quantum=%s", ErrWatchdog, c.Watchdog.Timeout, c.Watchdog.Quantum)
	}
	batchTime := time.Duration(c.Sampling.BatchLength) * c.Sampling.Period
	if batchTime >= c.Watchdog.Timeout {
		return fmt.Errorf("%w: batch period %s does not fit in timeout %s", ErrWatchdog, batchTime, c.Watchdog.Timeout)
	}

	if p := c.Presentation; p.FrameRate <= 0 || p.History <= 0 || p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: frame_rate=%d history=%d size=%dx%d",
			ErrPresentation, p.FrameRate, p.History, p.Width, p.Height)
	}

	switch c.Capture.Backend {
	case "none":
	case "file", "sqlite":
		if c.Capture.Slots <= 0 || c.Capture.SlotSamples < c.Sampling.BatchLength {
			return fmt.Errorf("%w: slots=%d slot_samples=%d", ErrCapture, c.Capture.Slots, c.Capture.SlotSamples)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrCapture, c.Capture.Backend)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Sampling.Period == 0 {
		c.Sampling.Period = def.Sampling.Period
	}
	if c.Sampling.BatchLength == 0 {
		c.Sampling.BatchLength = def.Sampling.BatchLength
	}
	if c.Sampling.Bits == 0 {
		c.Sampling.Bits = def.Sampling.Bits
	}
	if c.Sampling.VRef == 0 {
		c.Sampling.VRef = def.Sampling.VRef
	}
	if c.Sampling.BaudRate == 0 {
		c.Sampling.BaudRate = def.Sampling.BaudRate
	}

	if c.Divider.R1 == 0 {
		c.Divider.R1 = def.Divider.R1
	}
	if c.Divider.R2 == 0 {
		c.Divider.R2 = def.Divider.R2
	}

	if c.Filter.MedianWindow == 0 {
		c.Filter.MedianWindow = def.Filter.MedianWindow
	}
	if c.Filter.CutoffHz == 0 {
		c.Filter.CutoffHz = def.Filter.CutoffHz
	}

	if c.Shots.SagMillivolts == 0 {
		c.Shots.SagMillivolts = def.Shots.SagMillivolts
	}
	if c.Shots.MinDuration == 0 {
		c.Shots.MinDuration = def.Shots.MinDuration
	}
	if c.Shots.BaselineWindow == 0 {
		c.Shots.BaselineWindow = def.Shots.BaselineWindow
	}

	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = def.Watchdog.Timeout
	}
	if c.Watchdog.Quantum == 0 {
		c.Watchdog.Quantum = def.Watchdog.Quantum
	}

	if c.Presentation.FrameRate == 0 {
		c.Presentation.FrameRate = def.Presentation.FrameRate
	}
	if c.Presentation.History == 0 {
		c.Presentation.History = def.Presentation.History
	}
	if c.Presentation.Width == 0 {
		c.Presentation.Width = def.Presentation.Width
	}
	if c.Presentation.Height == 0 {
		c.Presentation.Height = def.Presentation.Height
	}

	if c.Capture.Backend == "" {
		c.Capture.Backend = def.Capture.Backend
	}
	if c.Capture.Path == "" {
		c.Capture.Path = def.Capture.Path
	}
	if c.Capture.Slots == 0 {
		c.Capture.Slots = def.Capture.Slots
	}
	if c.Capture.SlotSamples == 0 {
		c.Capture.SlotSamples = def.Capture.SlotSamples
	}
	if c.Capture.Buffers == 0 {
		c.Capture.Buffers = def.Capture.Buffers
	}

	if c.Console.BaudRate == 0 {
		c.Console.BaudRate = def.Console.BaudRate
	}

	if c.Uplink.TopicPrefix == "" {
		c.Uplink.TopicPrefix = def.Uplink.TopicPrefix
	}
	if c.Uplink.Interval == 0 {
		c.Uplink.Interval = def.Uplink.Interval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}

	if c.Mock.NominalMillivolts == 0 {
		c.Mock.NominalMillivolts = def.Mock.NominalMillivolts
	}
	if c.Mock.ShotPeriod == 0 {
		c.Mock.ShotPeriod = def.Mock.ShotPeriod
	}
	if c.Mock.ShotDuration == 0 {
		c.Mock.ShotDuration = def.Mock.ShotDuration
	}
}
