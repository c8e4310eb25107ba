package display

// History is a fixed-size ring of past voltages.
type History struct {
	buf   []float32
	start int
	n     int
}

// NewHistory creates a ring holding size values.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{buf: make([]float32, size)}
}

// Push appends v, evicting the oldest value when full.
func (h *History) Push(v float32) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = v
		h.n++
		return
	}
	h.buf[h.start] = v
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored values.
func (h *History) Len() int { return h.n }

// Values copies the values oldest first into dst, reusing it when it has
// enough capacity.
func (h *History) Values(dst []float32) []float32 {
	if cap(dst) < h.n {
		dst = make([]float32, h.n)
	}
	dst = dst[:h.n]
	for i := range dst {
		dst[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return dst
}

// Decimate reduces src to at most maxPoints values by picking evenly spaced
// elements. dst is reused when it has enough capacity.
func Decimate[T any](dst, src []T, maxPoints int) []T {
	if len(src) <= maxPoints {
		if cap(dst) < len(src) {
			dst = make([]T, len(src))
		}
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}

	if cap(dst) < maxPoints {
		dst = make([]T, 0, maxPoints)
	}
	dst = dst[:0]

	step := float64(len(src)) / float64(maxPoints)
	for i := range maxPoints {
		dst = append(dst, src[int(float64(i)*step)])
	}
	return dst
}
