package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/config"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(config.Default())
	require.NoError(t, err)
	return p
}

func ramp(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(2000 + (i*7)%300 + i/4)
	}
	return out
}

func TestScale(t *testing.T) {
	s := NewScale(4095, 3.3, 3.8)

	assert.InDelta(t, 12540, s.Millivolts(4095), 0.01)
	assert.InDelta(t, 0, s.Millivolts(0), 0)
	assert.InDelta(t, 3625, s.Code(s.Millivolts(3625)), 1e-3)
}

func TestNewPipeline_Coefficients(t *testing.T) {
	cfg := config.Default()
	cfg.Filter.Coefficients = &config.CoefficientConfig{A0: 0.06745527, A1: 0.06745527, B1: -0.86508946}

	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	assert.Equal(t, float32(-0.86508946), p.Coefficients().B1)

	cfg.Filter.Coefficients = &config.CoefficientConfig{A0: 0.5, A1: 0.5, B1: 0.5}
	_, err = NewPipeline(cfg)
	assert.ErrorIs(t, err, ErrDCGain)

	cfg.Filter.Coefficients = nil
	cfg.Filter.MedianWindow = 4
	_, err = NewPipeline(cfg)
	assert.ErrorIs(t, err, ErrWindow)
}

func TestPipeline_ContinuityAcrossBatches(t *testing.T) {
	input := ramp(1024)

	whole := testPipeline(t)
	want := append([]float32(nil), whole.Process(&adc.Batch{Samples: input}).Values...)

	split := testPipeline(t)
	first := append([]float32(nil), split.Process(&adc.Batch{Seq: 1, Samples: input[:512]}).Values...)
	second := split.Process(&adc.Batch{Seq: 2, Samples: input[512:]})

	assert.Equal(t, want, append(first, second.Values...))
	assert.Equal(t, uint64(2), second.Seq)
}

func TestPipeline_RemovesSpikeCompletely(t *testing.T) {
	p := testPipeline(t)

	samples := make([]uint16, 512)
	for i := range samples {
		samples[i] = 400
	}
	samples[200] = 4000 // 10x outlier

	s := p.Process(&adc.Batch{Samples: samples})
	want := p.Scale().Millivolts(400)
	for i, v := range s.Values {
		require.InDelta(t, want, v, 0.01, "sample %d", i)
	}
	assert.InDelta(t, want, s.Mean, 0.01)
}

func TestPipeline_DCGain(t *testing.T) {
	p := testPipeline(t)

	samples := make([]uint16, 512)
	for i := range samples {
		samples[i] = 3625
	}

	var s Series
	for i := 0; i < 4; i++ {
		s = p.Process(&adc.Batch{Samples: samples})
	}
	want := p.Scale().Millivolts(3625)
	assert.InDelta(t, want, s.Values[len(s.Values)-1], float64(want)*maxGainError)
	assert.InDelta(t, 11100, s.Mean, 5)
}

func TestPipeline_MockWaveform(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.SagMillivolts = 0
	mock := adc.NewMock(cfg)
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	samples := make([]uint16, cfg.Sampling.BatchLength)
	var s Series
	for b := 0; b < 10; b++ {
		for i := range samples {
			code, ok := mock.Convert()
			if !ok {
				code = samples[i]
			}
			samples[i] = code
		}
		s = p.Process(&adc.Batch{Seq: uint64(b + 1), Captured: time.Now(), Samples: samples})
	}

	// Spikes gone and ripple attenuated: every value close to nominal.
	for _, v := range s.Values {
		assert.InDelta(t, 11100, v, 60)
	}
}

func TestPipeline_NoAllocations(t *testing.T) {
	p := testPipeline(t)
	b := &adc.Batch{Samples: ramp(512)}

	allocs := testing.AllocsPerRun(20, func() {
		p.Process(b)
	})
	assert.Zero(t, allocs)
}

func TestPipeline_Reset(t *testing.T) {
	p := testPipeline(t)
	p.Process(&adc.Batch{Samples: []uint16{1000, 1000, 1000}})
	p.Reset()

	s := p.Process(&adc.Batch{Samples: []uint16{3000}})
	assert.InDelta(t, p.Scale().Millivolts(3000), s.Values[0], 0.01)
}
