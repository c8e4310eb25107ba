// Package filter conditions raw converter codes into millivolts: a median
// despiker, a one-pole low-pass and the divider scaling, plus a voltage sag
// event detector running on the result.
package filter

import (
	"errors"
	"fmt"
)

// ErrWindow is returned for median windows that are not odd and positive.
var ErrWindow = errors.New("median window must be odd and positive")

// Median is a sliding median over the last k codes.
type Median struct {
	ring    []uint16
	scratch []uint16
	pos     int
	primed  bool
}

// NewMedian creates a median filter with an odd window k.
func NewMedian(k int) (*Median, error) {
	if k < 1 || k%2 == 0 {
		return nil, fmt.Errorf("%w: %d", ErrWindow, k)
	}
	return &Median{
		ring:    make([]uint16, k),
		scratch: make([]uint16, k),
	}, nil
}

// Apply pushes x and returns the median of the window. The window is filled
// with the first sample so that start-up produces no transient.
func (m *Median) Apply(x uint16) uint16 {
	if !m.primed {
		for i := range m.ring {
			m.ring[i] = x
		}
		m.primed = true
	}

	m.ring[m.pos] = x
	m.pos++
	if m.pos == len(m.ring) {
		m.pos = 0
	}

	// Insertion sort; k is small.
	copy(m.scratch, m.ring)
	for i := 1; i < len(m.scratch); i++ {
		v := m.scratch[i]
		j := i - 1
		for j >= 0 && m.scratch[j] > v {
			m.scratch[j+1] = m.scratch[j]
			j--
		}
		m.scratch[j+1] = v
	}
	return m.scratch[len(m.scratch)/2]
}

// Reset forgets the window contents.
func (m *Median) Reset() {
	m.pos = 0
	m.primed = false
}
