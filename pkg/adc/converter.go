// Package adc implements the sample source: a timer-paced converter feeding
// a two-slot batch arena that hands finished batches to a single consumer.
package adc

// Converter is the analog-to-digital converter behind the sampler.
type Converter interface {
	// Convert returns the latest conversion result. ok is false when the
	// converter is still busy with the previous conversion.
	Convert() (code uint16, ok bool)
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func() (uint16, bool)

// Convert calls f.
func (f ConverterFunc) Convert() (uint16, bool) { return f() }

// Ensure implementations satisfy Converter.
var (
	_ Converter = (*Mock)(nil)
	_ Converter = (*Serial)(nil)
	_ Converter = ConverterFunc(nil)
)
