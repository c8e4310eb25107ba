package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps one file per slot in a directory.
type FileStore struct {
	dir         string
	slots       int
	slotSamples int
	logger      *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, slots, slotSamples int, logger *zap.Logger) (*FileStore, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("%w: %d slots", ErrSlotRange, slots)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating capture directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:         dir,
		slots:       slots,
		slotSamples: slotSamples,
		logger:      logger.Named("capture-file"),
	}, nil
}

func (s *FileStore) path(slot int) string {
	return filepath.Join(s.dir, fmt.Sprintf("slot-%02d.adcs", slot))
}

// Slots returns the ring size.
func (s *FileStore) Slots() int { return s.slots }

// Store writes c into the next slot via a temporary file and rename.
func (s *FileStore) Store(ctx context.Context, c *Capture) (int, error) {
	if len(c.Raw) > s.slotSamples {
		return 0, fmt.Errorf("%w: %d samples, slot holds %d", ErrTooLarge, len(c.Raw), s.slotSamples)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	used, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	slot := nextSlot(used, s.slots)

	c.Seal()
	c.Slot = slot
	data, err := c.MarshalBinary()
	if err != nil {
		return 0, err
	}

	tmp := s.path(slot) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing slot %d: %w", slot, err)
	}
	if err := os.Rename(tmp, s.path(slot)); err != nil {
		return 0, fmt.Errorf("committing slot %d: %w", slot, err)
	}

	s.logger.Debug("stored", zap.Int("slot", slot), zap.Uint32("samples", c.Samples))
	return slot, nil
}

// List returns the headers of the occupied slots.
func (s *FileStore) List(ctx context.Context) ([]Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.list(ctx)
}

func (s *FileStore) list(ctx context.Context) ([]Header, error) {
	var headers []Header
	for slot := 0; slot < s.slots; slot++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := s.readHeader(slot)
		if errors.Is(err, ErrEmptySlot) {
			continue
		}
		if err != nil {
			// A corrupt slot counts as free.
			s.logger.Warn("unreadable slot", zap.Int("slot", slot), zap.Error(err))
			continue
		}
		headers = append(headers, h)
	}
	return headers, nil
}

func (s *FileStore) readHeader(slot int) (h Header, err error) {
	f, err := os.Open(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return Header{}, ErrEmptySlot
	}
	if err != nil {
		return Header{}, err
	}
	defer closeWithError(f, &err)

	buf := make([]byte, HeaderSize)
	if _, err = io.ReadFull(f, buf); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	h, err = DecodeHeader(buf)
	h.Slot = slot
	return h, err
}

// Read loads and verifies the capture in slot.
func (s *FileStore) Read(ctx context.Context, slot int) (*Capture, error) {
	if err := checkSlot(slot, s.slots); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}
	if err != nil {
		return nil, fmt.Errorf("reading slot %d: %w", slot, err)
	}

	c := &Capture{}
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	c.Slot = slot
	return c, nil
}

// Delete removes the capture in slot.
func (s *FileStore) Delete(ctx context.Context, slot int) error {
	if err := checkSlot(slot, s.slots); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := os.Remove(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}
	return err
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
