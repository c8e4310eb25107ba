package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/itohio/lipomon/pkg/config"
)

// Store errors.
var (
	ErrSlotRange = errors.New("slot out of range")
	ErrEmptySlot = errors.New("slot is empty")
	ErrTooLarge  = errors.New("capture does not fit in a slot")
	ErrClosed    = errors.New("store closed")
)

// Store is a fixed ring of capture slots. When every slot is used the oldest
// capture is overwritten.
type Store interface {
	// Store seals and writes c, returning the slot it went into.
	Store(ctx context.Context, c *Capture) (int, error)
	// List returns the headers of the occupied slots ordered by slot.
	List(ctx context.Context) ([]Header, error)
	Read(ctx context.Context, slot int) (*Capture, error)
	Delete(ctx context.Context, slot int) error
	Slots() int
	Close() error
}

// Open creates the store selected by cfg.Backend. The "none" backend returns
// a nil Store and no error.
func Open(cfg config.CaptureConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "file":
		return NewFileStore(cfg.Path, cfg.Slots, cfg.SlotSamples, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.Path, cfg.Slots, cfg.SlotSamples, logger)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}

// nextSlot picks the first empty slot, or the oldest capture when the ring is full.
func nextSlot(used []Header, slots int) int {
	taken := make([]bool, slots)
	for _, h := range used {
		if h.Slot >= 0 && h.Slot < slots {
			taken[h.Slot] = true
		}
	}
	for i, t := range taken {
		if !t {
			return i
		}
	}

	oldest := append([]Header(nil), used...)
	sort.SliceStable(oldest, func(i, j int) bool {
		if !oldest[i].Captured.Equal(oldest[j].Captured) {
			return oldest[i].Captured.Before(oldest[j].Captured)
		}
		return oldest[i].Seq < oldest[j].Seq
	})
	return oldest[0].Slot
}

func checkSlot(slot, slots int) error {
	if slot < 0 || slot >= slots {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrSlotRange, slot, slots)
	}
	return nil
}
