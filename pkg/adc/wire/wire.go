// Package wire is the line format spoken by the ADC bridge firmware.
//
// Each conversion is one line: "<seq>,<code>\n", both decimal. The sequence
// number wraps at 2^32 and lets the host detect lost lines.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Frame is one conversion result.
type Frame struct {
	Seq  uint32
	Code uint16
}

// ErrMalformed is returned for lines that are not "<seq>,<code>".
var ErrMalformed = errors.New("malformed frame")

// Append appends the encoded frame, including the trailing newline, to dst.
func Append(dst []byte, f Frame) []byte {
	dst = strconv.AppendUint(dst, uint64(f.Seq), 10)
	dst = append(dst, ',')
	dst = strconv.AppendUint(dst, uint64(f.Code), 10)
	return append(dst, '\n')
}

// Parse decodes a single line without its newline.
func Parse(line string) (Frame, error) {
	seqStr, codeStr, ok := strings.Cut(strings.TrimSpace(line), ",")
	if !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	seq, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: invalid sequence: %v", ErrMalformed, err)
	}

	code, err := strconv.ParseUint(codeStr, 10, 16)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: invalid code: %v", ErrMalformed, err)
	}

	return Frame{Seq: uint32(seq), Code: uint16(code)}, nil
}
