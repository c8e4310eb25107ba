package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMedian_RejectsEvenWindow(t *testing.T) {
	for _, k := range []int{0, -1, 2, 4} {
		_, err := NewMedian(k)
		assert.ErrorIs(t, err, ErrWindow, "k=%d", k)
	}
	_, err := NewMedian(1)
	assert.NoError(t, err)
}

func TestMedian_PrimedWithFirstSample(t *testing.T) {
	m, err := NewMedian(5)
	require.NoError(t, err)

	assert.Equal(t, uint16(1234), m.Apply(1234))
	assert.Equal(t, uint16(1234), m.Apply(1234))
}

func TestMedian_RemovesSpikes(t *testing.T) {
	tests := []struct {
		name  string
		k     int
		input []uint16
		want  []uint16
	}{
		{
			name:  "single spike",
			k:     5,
			input: []uint16{1000, 1000, 1000, 10000, 1000, 1000, 1000},
			want:  []uint16{1000, 1000, 1000, 1000, 1000, 1000, 1000},
		},
		{
			name:  "two sample spike",
			k:     5,
			input: []uint16{1000, 1000, 4095, 4095, 1000, 1000},
			want:  []uint16{1000, 1000, 1000, 1000, 1000, 1000},
		},
		{
			name:  "negative spike",
			k:     3,
			input: []uint16{500, 500, 0, 500, 500},
			want:  []uint16{500, 500, 500, 500, 500},
		},
		{
			name:  "step is delayed by half a window",
			k:     5,
			input: []uint16{10, 10, 10, 20, 20, 20, 20},
			want:  []uint16{10, 10, 10, 10, 10, 20, 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMedian(tt.k)
			require.NoError(t, err)

			got := make([]uint16, len(tt.input))
			for i, x := range tt.input {
				got[i] = m.Apply(x)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMedian_Reset(t *testing.T) {
	m, err := NewMedian(3)
	require.NoError(t, err)

	m.Apply(100)
	m.Apply(100)
	m.Reset()
	assert.Equal(t, uint16(7), m.Apply(7))
}
