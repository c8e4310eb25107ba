package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesign(t *testing.T) {
	c, err := Design(100, 5000)
	require.NoError(t, err)

	assert.InDelta(t, 0.05919, c.A0, 1e-4)
	assert.Equal(t, c.A0, c.A1)
	assert.InDelta(t, -0.88161, c.B1, 1e-4)
	assert.InDelta(t, 1.0, c.DCGain(), 1e-5)
	assert.NoError(t, c.Validate())
}

func TestDesign_RejectsCutoff(t *testing.T) {
	for _, fc := range []float32{0, -10, 2500, 3000} {
		_, err := Design(fc, 5000)
		assert.ErrorIs(t, err, ErrCutoff, "fc=%g", fc)
	}
}

func TestCoefficients_Validate(t *testing.T) {
	tests := []struct {
		name string
		c    Coefficients
		want error
	}{
		{name: "firmware constants", c: Coefficients{A0: 0.06745527, A1: 0.06745527, B1: -0.86508946}},
		{name: "unstable", c: Coefficients{A0: 1, A1: 1, B1: 1}, want: ErrUnstable},
		{name: "gain too low", c: Coefficients{A0: 0.05, A1: 0.05, B1: -0.85}, want: ErrDCGain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLowPass_DCGain(t *testing.T) {
	c, err := Design(100, 5000)
	require.NoError(t, err)
	f, err := NewLowPass(c)
	require.NoError(t, err)

	// Primed: no start-up transient on a constant input.
	assert.InDelta(t, 2000, f.Apply(2000), 2000*maxGainError)

	var y float32
	for i := 0; i < 2000; i++ {
		y = f.Apply(2000)
	}
	assert.InDelta(t, 2000, y, 2000*maxGainError)
}

func TestLowPass_TracksStep(t *testing.T) {
	c, err := Design(100, 5000)
	require.NoError(t, err)
	f, err := NewLowPass(c)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		f.Apply(2000)
	}

	var y float32
	for i := 0; i < 50; i++ {
		y = f.Apply(3000)
	}
	assert.InDelta(t, 3000, y, 100, "within 10%% of the step after 50 samples")
}

func TestLowPass_AttenuatesRipple(t *testing.T) {
	c, err := Design(100, 5000)
	require.NoError(t, err)
	f, err := NewLowPass(c)
	require.NoError(t, err)

	// Alternating +-100 at nyquist is almost fully removed.
	var y float32
	for i := 0; i < 500; i++ {
		x := float32(2000 + 100)
		if i%2 == 1 {
			x = 2000 - 100
		}
		y = f.Apply(x)
	}
	assert.InDelta(t, 2000, y, 10)
}

func TestNewLowPass_RejectsInvalid(t *testing.T) {
	_, err := NewLowPass(Coefficients{A0: 1, A1: 1, B1: 1.5})
	assert.ErrorIs(t, err, ErrUnstable)
}
