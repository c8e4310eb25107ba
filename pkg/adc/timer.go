package adc

import "time"

// Timer delivers the sample triggers.
type Timer interface {
	C() <-chan time.Time
	Stop()
}

// TimerFactory creates a Timer firing every period.
type TimerFactory func(period time.Duration) Timer

// NewTicker is the default TimerFactory, backed by time.Ticker.
func NewTicker(period time.Duration) Timer {
	return ticker{time.NewTicker(period)}
}

type ticker struct{ t *time.Ticker }

func (t ticker) C() <-chan time.Time { return t.t.C }
func (t ticker) Stop()               { t.t.Stop() }
