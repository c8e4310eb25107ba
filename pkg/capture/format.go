// Package capture persists raw and filtered sample windows into a fixed ring
// of slots and records them from the acquisition loop without blocking it.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"time"
)

// Capture file format.
const (
	Magic      uint32 = 0x41444353 // "ADCS"
	Version    uint16 = 2
	HeaderSize        = 40

	flagFiltered uint16 = 1 << 0
)

// Format errors.
var (
	ErrBadMagic  = errors.New("not a capture")
	ErrVersion   = errors.New("unsupported capture version")
	ErrTruncated = errors.New("capture truncated")
	ErrChecksum  = errors.New("capture checksum mismatch")
)

// Header describes a stored capture.
type Header struct {
	Slot        int       `json:"slot"` // Assigned by the store, not encoded
	SampleRate  uint32    `json:"sample_rate"`
	Samples     uint32    `json:"samples"`
	Seq         uint64    `json:"seq"` // Sequence of the first batch
	Captured    time.Time `json:"captured"`
	HasFiltered bool      `json:"has_filtered"`
	RawCRC      uint32    `json:"raw_crc"`
	FilteredCRC uint32    `json:"filtered_crc"`
}

// Duration returns the time covered by the capture.
func (h Header) Duration() time.Duration {
	if h.SampleRate == 0 {
		return 0
	}
	return time.Duration(h.Samples) * time.Second / time.Duration(h.SampleRate)
}

// Size returns the encoded size in bytes.
func (h Header) Size() int {
	n := HeaderSize + 2*int(h.Samples)
	if h.HasFiltered {
		n += 4 * int(h.Samples)
	}
	return n
}

// Capture is a window of raw codes with the matching filtered millivolts.
type Capture struct {
	Header
	Raw      []uint16
	Filtered []float32 // Empty or the same length as Raw
}

// Seal fills in the sample count and checksums from the data.
func (c *Capture) Seal() {
	c.Samples = uint32(len(c.Raw))
	c.HasFiltered = len(c.Filtered) > 0
	c.RawCRC = crc32.ChecksumIEEE(rawBytes(nil, c.Raw))
	c.FilteredCRC = 0
	if c.HasFiltered {
		c.FilteredCRC = crc32.ChecksumIEEE(filteredBytes(nil, c.Filtered))
	}
}

// MarshalBinary encodes the capture. Call Seal first.
func (c *Capture) MarshalBinary() ([]byte, error) {
	if c.HasFiltered && len(c.Filtered) != len(c.Raw) {
		return nil, fmt.Errorf("filtered length %d does not match raw length %d", len(c.Filtered), len(c.Raw))
	}

	buf := make([]byte, HeaderSize, c.Size())
	encodeHeader(buf, c.Header)
	buf = rawBytes(buf, c.Raw)
	if c.HasFiltered {
		buf = filteredBytes(buf, c.Filtered)
	}
	return buf, nil
}

// UnmarshalBinary decodes a capture and verifies its checksums.
func (c *Capture) UnmarshalBinary(data []byte) error {
	h, err := DecodeHeader(data)
	if err != nil {
		return err
	}
	if len(data) < h.Size() {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(data), h.Size())
	}

	n := int(h.Samples)
	raw := data[HeaderSize : HeaderSize+2*n]
	if crc := crc32.ChecksumIEEE(raw); crc != h.RawCRC {
		return fmt.Errorf("%w: raw crc %08x, header %08x", ErrChecksum, crc, h.RawCRC)
	}

	c.Header = h
	c.Raw = make([]uint16, n)
	for i := range c.Raw {
		c.Raw[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}

	c.Filtered = nil
	if h.HasFiltered {
		filt := data[HeaderSize+2*n : HeaderSize+6*n]
		if crc := crc32.ChecksumIEEE(filt); crc != h.FilteredCRC {
			return fmt.Errorf("%w: filtered crc %08x, header %08x", ErrChecksum, crc, h.FilteredCRC)
		}
		c.Filtered = make([]float32, n)
		for i := range c.Filtered {
			c.Filtered[i] = math.Float32frombits(binary.LittleEndian.Uint32(filt[4*i:]))
		}
	}
	return nil
}

// DecodeHeader decodes only the fixed header.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes", ErrTruncated, HeaderSize)
	}
	le := binary.LittleEndian
	if m := le.Uint32(data[0:]); m != Magic {
		return Header{}, fmt.Errorf("%w: magic %08x", ErrBadMagic, m)
	}
	if v := le.Uint16(data[4:]); v != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	return Header{
		HasFiltered: le.Uint16(data[6:])&flagFiltered != 0,
		SampleRate:  le.Uint32(data[8:]),
		Samples:     le.Uint32(data[12:]),
		Seq:         le.Uint64(data[16:]),
		Captured:    time.Unix(0, int64(le.Uint64(data[24:]))),
		RawCRC:      le.Uint32(data[32:]),
		FilteredCRC: le.Uint32(data[36:]),
	}, nil
}

func encodeHeader(buf []byte, h Header) {
	le := binary.LittleEndian
	var flags uint16
	if h.HasFiltered {
		flags |= flagFiltered
	}
	le.PutUint32(buf[0:], Magic)
	le.PutUint16(buf[4:], Version)
	le.PutUint16(buf[6:], flags)
	le.PutUint32(buf[8:], h.SampleRate)
	le.PutUint32(buf[12:], h.Samples)
	le.PutUint64(buf[16:], h.Seq)
	le.PutUint64(buf[24:], uint64(h.Captured.UnixNano()))
	le.PutUint32(buf[32:], h.RawCRC)
	le.PutUint32(buf[36:], h.FilteredCRC)
}

func rawBytes(dst []byte, raw []uint16) []byte {
	for _, v := range raw {
		dst = binary.LittleEndian.AppendUint16(dst, v)
	}
	return dst
}

func filteredBytes(dst []byte, filtered []float32) []byte {
	for _, v := range filtered {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}

func timeFromNanos(ns int64) time.Time {
	return time.Unix(0, ns)
}
