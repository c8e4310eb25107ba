package filter

// Scale converts converter codes to millivolts at the battery.
type Scale struct {
	mvPerCode float32
}

// NewScale returns the code to millivolt conversion for a converter of the
// given resolution and reference behind a divider of the given ratio.
func NewScale(maxCode uint16, vref, ratio float64) Scale {
	return Scale{mvPerCode: float32(vref * ratio * 1000 / float64(maxCode))}
}

// Millivolts converts a (possibly fractional) code.
func (s Scale) Millivolts(code float32) float32 {
	return code * s.mvPerCode
}

// Code converts millivolts back to a fractional code.
func (s Scale) Code(mv float32) float32 {
	return mv / s.mvPerCode
}
