//go:build tinygo

//go:generate tinygo flash -target=xiao

// Firmware for the ADC bridge: samples the battery divider at a fixed period
// and streams every code as a "seq,code" line to the host.
package main

import (
	"machine"
	"time"

	"github.com/itohio/lipomon/pkg/adc/wire"
)

var (
	adcBattery machine.ADC
	uart       = machine.Serial

	seq     uint32
	line    [24]byte
	overrun uint32
)

func main() {
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_BATTERY_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})

	adcBattery = machine.ADC{Pin: PIN_BATTERY_ADC}
	adcBattery.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	uart.Configure(machine.UARTConfig{BaudRate: UART_BAUD_RATE})

	period := time.Duration(SAMPLE_PERIOD_US) * time.Microsecond
	next := time.Now().Add(period)

	for {
		// Busy wait keeps the trigger jitter below the sleep granularity.
		for time.Now().Before(next) {
		}
		next = next.Add(period)

		// A late sample keeps its slot in the sequence so the host counts it as lost.
		if now := time.Now(); now.Sub(next) > period {
			missed := uint32(now.Sub(next) / period)
			seq += missed
			next = next.Add(time.Duration(missed) * period)
			overrun++
			PIN_LED.Set(overrun&1 == 1)
		}

		seq++
		// machine.ADC.Get returns a left aligned 16 bit value.
		code := adcBattery.Get() >> (16 - ADC_RESOLUTION)
		buf := wire.Append(line[:0], wire.Frame{Seq: seq, Code: code})
		uart.Write(buf)
	}
}
