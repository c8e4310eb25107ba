package filter

import (
	"time"

	"github.com/itohio/lipomon/pkg/config"
)

// SagDetector counts load events ("shots"): the filtered voltage dropping
// more than a threshold below its slow baseline for a minimum time. An event
// ends once the voltage recovers to within half the threshold.
type SagDetector struct {
	threshold  float32
	minSamples int
	alpha      float32

	baseline float32
	primed   bool
	below    int
	inEvent  bool
	count    uint64
}

// NewSagDetector creates a detector for samples arriving every period.
func NewSagDetector(cfg config.ShotsConfig, period time.Duration) *SagDetector {
	minSamples := int(cfg.MinDuration / period)
	if minSamples < 1 {
		minSamples = 1
	}
	alpha := float32(1)
	if n := float32(cfg.BaselineWindow / period); n > 1 {
		alpha = 1 / n
	}
	return &SagDetector{
		threshold:  float32(cfg.SagMillivolts),
		minSamples: minSamples,
		alpha:      alpha,
	}
}

// Update feeds one filtered sample and reports whether it completed a new event.
func (d *SagDetector) Update(mv float32) bool {
	if !d.primed {
		d.baseline = mv
		d.primed = true
	}

	drop := d.baseline - mv
	if drop > d.threshold {
		d.below++
		if !d.inEvent && d.below >= d.minSamples {
			d.inEvent = true
			d.count++
			return true
		}
		return false
	}

	d.below = 0
	if d.inEvent && drop < d.threshold/2 {
		d.inEvent = false
	}
	// The baseline follows the slow discharge only outside events.
	if !d.inEvent {
		d.baseline += d.alpha * (mv - d.baseline)
	}
	return false
}

// UpdateSeries feeds a whole series and returns the number of new events.
func (d *SagDetector) UpdateSeries(values []float32) int {
	n := 0
	for _, v := range values {
		if d.Update(v) {
			n++
		}
	}
	return n
}

// Count returns the number of events so far.
func (d *SagDetector) Count() uint64 { return d.count }

// Baseline returns the current baseline in millivolts.
func (d *SagDetector) Baseline() float32 { return d.baseline }
