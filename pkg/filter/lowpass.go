package filter

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

// maxGainError is the allowed relative DC gain deviation.
const maxGainError = 0.001

// Coefficient errors.
var (
	ErrUnstable = errors.New("low-pass pole outside the unit circle")
	ErrDCGain   = errors.New("low-pass dc gain is not unity")
	ErrCutoff   = errors.New("cutoff outside (0, nyquist)")
)

// Coefficients of y[n] = a0*x[n] + a1*x[n-1] - b1*y[n-1].
type Coefficients struct {
	A0, A1, B1 float32
}

// Design returns the bilinear-transform coefficients of a first order
// Butterworth low-pass with the given cutoff.
func Design(cutoffHz, sampleRateHz float32) (Coefficients, error) {
	if cutoffHz <= 0 || sampleRateHz <= 0 || cutoffHz >= sampleRateHz/2 {
		return Coefficients{}, fmt.Errorf("%w: fc=%g fs=%g", ErrCutoff, cutoffHz, sampleRateHz)
	}
	k := math32.Tan(math32.Pi * cutoffHz / sampleRateHz)
	a := k / (1 + k)
	return Coefficients{A0: a, A1: a, B1: (k - 1) / (k + 1)}, nil
}

// DCGain returns the filter gain at zero frequency.
func (c Coefficients) DCGain() float32 {
	return (c.A0 + c.A1) / (1 + c.B1)
}

// Validate checks stability and unity DC gain.
func (c Coefficients) Validate() error {
	if math32.Abs(c.B1) >= 1 {
		return fmt.Errorf("%w: b1=%g", ErrUnstable, c.B1)
	}
	if g := c.DCGain(); math32.Abs(g-1) > maxGainError {
		return fmt.Errorf("%w: %g", ErrDCGain, g)
	}
	return nil
}

// LowPass is a one-pole IIR low-pass filter.
type LowPass struct {
	c      Coefficients
	xp, yp float32
	primed bool
}

// NewLowPass creates a low-pass filter after validating c.
func NewLowPass(c Coefficients) (*LowPass, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &LowPass{c: c}, nil
}

// Apply filters one input. The state is seeded with the first input.
func (f *LowPass) Apply(x float32) float32 {
	if !f.primed {
		f.xp, f.yp = x, x
		f.primed = true
	}
	y := f.c.A0*x + f.c.A1*f.xp - f.c.B1*f.yp
	f.xp, f.yp = x, y
	return y
}

// Coefficients returns the filter coefficients.
func (f *LowPass) Coefficients() Coefficients { return f.c }

// Reset forgets the filter state.
func (f *LowPass) Reset() {
	f.xp, f.yp = 0, 0
	f.primed = false
}
