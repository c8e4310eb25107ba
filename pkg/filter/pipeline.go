package filter

import (
	"fmt"
	"time"

	"github.com/itohio/lipomon/pkg/adc"
	"github.com/itohio/lipomon/pkg/config"
)

// Series is the conditioned output of one batch.
type Series struct {
	Seq      uint64
	Captured time.Time
	Values   []float32 // Millivolts, valid until the next Process call
	Mean     float32
}

// Pipeline runs median, low-pass and scaling over batches. Filter state
// carries over from one batch to the next.
type Pipeline struct {
	median  *Median
	lowpass *LowPass
	scale   Scale
	out     []float32
}

// NewPipeline builds the pipeline from the static configuration.
func NewPipeline(cfg *config.Config) (*Pipeline, error) {
	median, err := NewMedian(cfg.Filter.MedianWindow)
	if err != nil {
		return nil, err
	}

	var co Coefficients
	if c := cfg.Filter.Coefficients; c != nil {
		co = Coefficients{A0: float32(c.A0), A1: float32(c.A1), B1: float32(c.B1)}
	} else {
		co, err = Design(float32(cfg.Filter.CutoffHz), float32(cfg.Sampling.SampleRateHz()))
		if err != nil {
			return nil, err
		}
	}

	lowpass, err := NewLowPass(co)
	if err != nil {
		return nil, fmt.Errorf("low-pass: %w", err)
	}

	return &Pipeline{
		median:  median,
		lowpass: lowpass,
		scale:   NewScale(cfg.Sampling.MaxCode(), cfg.Sampling.VRef, cfg.Divider.Ratio()),
		out:     make([]float32, cfg.Sampling.BatchLength),
	}, nil
}

// Process filters every sample of b in order.
func (p *Pipeline) Process(b *adc.Batch) Series {
	if cap(p.out) < len(b.Samples) {
		p.out = make([]float32, len(b.Samples))
	}
	out := p.out[:len(b.Samples)]

	var sum float64
	for i, code := range b.Samples {
		x := float32(p.median.Apply(code))
		mv := p.scale.Millivolts(p.lowpass.Apply(x))
		out[i] = mv
		sum += float64(mv)
	}

	s := Series{Seq: b.Seq, Captured: b.Captured, Values: out}
	if len(out) > 0 {
		s.Mean = float32(sum / float64(len(out)))
	}
	return s
}

// Coefficients returns the low-pass coefficients in use.
func (p *Pipeline) Coefficients() Coefficients { return p.lowpass.Coefficients() }

// Scale returns the code to millivolt conversion in use.
func (p *Pipeline) Scale() Scale { return p.scale }

// Reset clears all filter state.
func (p *Pipeline) Reset() {
	p.median.Reset()
	p.lowpass.Reset()
}
