//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_PERIOD_US = 200 // 5 kHz
	ADC_REFERENCE_MV = 3300
	ADC_RESOLUTION   = 12

	// Battery divider tap (R1 28k to pack, R2 10k to ground)
	PIN_BATTERY_ADC = machine.A1

	PIN_LED = machine.LED

	// Serial configuration
	// Worst case line is "4294967295,4095\n" = 16 bytes. At 5000 lines/sec
	// that is 80,000 bytes/sec, 800,000 baud with 8N1 framing.
	UART_BAUD_RATE = 921600
)
