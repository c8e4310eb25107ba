package adc

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/itohio/lipomon/pkg/config"
)

// secondaryRippleHz is a second, weaker commutation harmonic mixed into the noise.
const secondaryRippleHz = 1370

// Mock simulates a LiPo pack behind the divider for development and tests.
//
// The waveform is a pure function of the conversion index, so two mocks with
// the same configuration produce the same sequence of codes.
type Mock struct {
	cfg     config.MockConfig
	period  time.Duration
	maxCode float64
	scale   float64 // codes per millivolt at the pack

	n atomic.Uint64
}

// NewMock creates a mock converter using the sampling, divider and mock
// sections of cfg. A nil cfg uses config.Default().
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}

	maxCode := float64(cfg.Sampling.MaxCode())
	return &Mock{
		cfg:     cfg.Mock,
		period:  cfg.Sampling.Period,
		maxCode: maxCode,
		scale:   maxCode / (cfg.Sampling.VRef * 1000 * cfg.Divider.Ratio()),
	}
}

// Convert produces the next synthetic conversion.
func (m *Mock) Convert() (uint16, bool) {
	n := m.n.Add(1)
	if m.cfg.BusyEvery > 0 && n%uint64(m.cfg.BusyEvery) == 0 {
		return 0, false
	}
	if m.cfg.SpikeEvery > 0 && n%uint64(m.cfg.SpikeEvery) == 0 {
		return uint16(m.maxCode), true
	}
	return m.code(m.Millivolts(n)), true
}

// Conversions returns the number of Convert calls so far.
func (m *Mock) Conversions() uint64 {
	return m.n.Load()
}

// Millivolts returns the spike-free pack voltage at conversion n.
func (m *Mock) Millivolts(n uint64) float64 {
	t := time.Duration(n) * m.period
	mv := m.cfg.NominalMillivolts

	if m.InShot(n) {
		mv -= m.cfg.SagMillivolts
	}

	sec := t.Seconds()
	mv += m.cfg.NoiseMillivolts * math.Sin(2*math.Pi*m.cfg.RippleHz*sec)
	mv += 0.3 * m.cfg.NoiseMillivolts * math.Sin(2*math.Pi*secondaryRippleHz*sec)
	return mv
}

// InShot reports whether conversion n falls inside a simulated motor burst.
// The first burst starts one shot period after start.
func (m *Mock) InShot(n uint64) bool {
	if m.cfg.ShotPeriod <= 0 || m.cfg.SagMillivolts == 0 {
		return false
	}
	t := time.Duration(n) * m.period
	return t >= m.cfg.ShotPeriod && t%m.cfg.ShotPeriod < m.cfg.ShotDuration
}

func (m *Mock) code(mv float64) uint16 {
	v := math.Round(mv * m.scale)
	if v < 0 {
		v = 0
	} else if v > m.maxCode {
		v = m.maxCode
	}
	return uint16(v)
}
