package adc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/adc/wire"
)

// DefaultBaudRate is the bridge firmware's default line rate.
const DefaultBaudRate = 921600

// ErrNotConnected is returned by operations that need an open port.
var ErrNotConnected = errors.New("not connected")

// Serial is a converter backed by an external ADC bridge streaming codes
// over a serial port. It keeps only the latest code; Convert reports busy
// when nothing new arrived since the previous call.
type Serial struct {
	port     string
	baudRate int
	logger   *zap.Logger

	mu        sync.Mutex
	conn      io.ReadCloser
	done      chan struct{}
	connected bool

	code  atomic.Uint32
	fresh atomic.Bool

	lost      atomic.Uint64
	malformed atomic.Uint64
}

// NewSerial creates a bridge converter for the given port.
func NewSerial(port string, baudRate int, logger *zap.Logger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Serial{
		port:     port,
		baudRate: baudRate,
		logger:   logger.Named("adc-serial"),
	}
}

// Ports returns the names of the serial ports present on the host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Connect opens the port and starts reading frames.
func (s *Serial) Connect() error {
	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	if err := s.attach(port); err != nil {
		port.Close()
		return err
	}
	return nil
}

func (s *Serial) attach(conn io.ReadCloser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.connected = true
	s.fresh.Store(false)

	go s.readFrames(conn, s.done)
	return nil
}

// Close closes the port and waits for the reader to exit.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	err := s.conn.Close()
	<-s.done

	s.conn = nil
	s.connected = false
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// Convert returns the newest code received from the bridge.
func (s *Serial) Convert() (uint16, bool) {
	if !s.fresh.Swap(false) {
		return 0, false
	}
	return uint16(s.code.Load()), true
}

// Lost returns the number of frames missing from the sequence so far.
func (s *Serial) Lost() uint64 { return s.lost.Load() }

// Malformed returns the number of lines that failed to parse.
func (s *Serial) Malformed() uint64 { return s.malformed.Load() }

func (s *Serial) readFrames(r io.Reader, done chan struct{}) {
	defer close(done)

	var (
		lastSeq uint32
		haveSeq bool
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame, err := wire.Parse(string(line))
		if err != nil {
			if s.malformed.Add(1) == 1 {
				s.logger.Warn("malformed frame", zap.Error(err))
			}
			continue
		}

		// A backwards jump means the bridge rebooted.
		if gap := frame.Seq - lastSeq - 1; haveSeq && gap != 0 && gap < 1<<31 {
			s.lost.Add(uint64(gap))
		}
		lastSeq, haveSeq = frame.Seq, true

		s.code.Store(uint32(frame.Code))
		s.fresh.Store(true)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("reader stopped", zap.Error(err))
	}
}
