package adc

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/lipomon/pkg/adc/wire"
)

func TestSerial_LatestCode(t *testing.T) {
	r, w := io.Pipe()
	s := NewSerial("test", 0, nil)
	require.NoError(t, s.attach(r))
	defer s.Close()

	_, ok := s.Convert()
	assert.False(t, ok, "busy before the first frame")

	_, err := w.Write(wire.Append(nil, wire.Frame{Seq: 1, Code: 1000}))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.fresh.Load() }, time.Second, time.Millisecond)
	code, ok := s.Convert()
	assert.True(t, ok)
	assert.Equal(t, uint16(1000), code)

	_, ok = s.Convert()
	assert.False(t, ok, "no fresh code since the last trigger")
}

func TestSerial_CountsLostAndMalformed(t *testing.T) {
	r, w := io.Pipe()
	s := NewSerial("test", 0, nil)
	require.NoError(t, s.attach(r))

	var buf []byte
	buf = wire.Append(buf, wire.Frame{Seq: 10, Code: 1})
	buf = wire.Append(buf, wire.Frame{Seq: 11, Code: 2})
	buf = append(buf, "garbage\n\n"...)
	buf = wire.Append(buf, wire.Frame{Seq: 15, Code: 3})
	buf = wire.Append(buf, wire.Frame{Seq: 0, Code: 4}) // bridge reboot
	buf = wire.Append(buf, wire.Frame{Seq: 1, Code: 5})
	_, err := w.Write(buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.code.Load() == 5 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), s.Lost())
	assert.Equal(t, uint64(1), s.Malformed())

	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestSerial_AttachTwice(t *testing.T) {
	r, _ := io.Pipe()
	s := NewSerial("test", 0, nil)
	require.NoError(t, s.attach(r))
	defer s.Close()

	r2, _ := io.Pipe()
	assert.Error(t, s.attach(r2))
}
