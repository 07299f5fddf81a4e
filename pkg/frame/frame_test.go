package frame

import (
	"testing"

	"github.com/obdsol/stn-updater/pkg/stnerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// destuff reverses stuff() over a raw stuffed-region byte slice, for use by
// tests that need to hand-verify what Encode produced.
func destuff(t *testing.T, stuffed []byte) []byte {
	t.Helper()
	out := make([]byte, 0, len(stuffed))
	skip := false
	for _, b := range stuffed {
		if skip {
			out = append(out, b)
			skip = false
			continue
		}
		if b == DLE {
			skip = true
			continue
		}
		out = append(out, b)
	}
	require.False(t, skip, "stuffed region ended mid-escape")
	return out
}

func TestEncodeScenarioA(t *testing.T) {
	// Connect request, no payload.
	out, err := Encode(NewRequestFrame(0x03, nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55, 0x55, 0x03, 0x00, 0x00, 0x59, 0x50, 0x04}, out)
}

func TestEncodeScenarioB(t *testing.T) {
	// SendChunk request carrying 5 bytes of payload, two of which (the 0x05s)
	// collide with DLE and must be escaped on the wire.
	out, err := Encode(NewRequestFrame(0x31, []byte{0x00, 0x00, 0x05, 0x05, 0x03}))
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x55, 0x55,
		0x31, 0x00,
		0x05, 0x05, // LENLO=0x05, stuffed (collides with DLE)
		0x00, 0x00,
		0x05, 0x05, // data[2]=0x05, stuffed
		0x05, 0x05, // data[3]=0x05, stuffed
		0x03,
		0x66, 0x68,
		0x04,
	}, out)
}

func TestEncodeDestuffsToLogicalBytesWithValidCRC(t *testing.T) {
	out, err := Encode(NewRequestFrame(0x02, nil))
	require.NoError(t, err)
	require.Equal(t, byte(STX), out[0])
	require.Equal(t, byte(STX), out[1])
	require.Equal(t, byte(ETX), out[len(out)-1])

	logical := destuff(t, out[2:len(out)-1])
	assert.Equal(t, []byte{0x02, 0x00, 0x00}, logical[:3])
	assert.Equal(t, uint16(0), crc16(0, logical))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(NewRequestFrame(0x31, make([]byte, MaxDataLen+1)))
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.BadFraming))
}

func TestDecodeScenarioC(t *testing.T) {
	buf := []byte{0x55, 0x55, 0x46, 0x02, 0x05, 0x04, 0x01, 0xFB, 0x80, 0x04}
	resp, consumed, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, resp.Ack)
	assert.Equal(t, byte(0x06), resp.Command)
	assert.Equal(t, []byte{0x04, 0x01}, resp.Data)
}

func TestDecodeNeedsMoreBytes(t *testing.T) {
	buf := []byte{0x55, 0x55, 0x46, 0x02}
	resp, consumed, err := Decode(buf)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, consumed)
}

func TestDecodeBadPreamble(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x46, 0x02, 0x04}
	resp, consumed, err := Decode(buf)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 2, consumed)
	assert.True(t, stnerr.IsKind(err, stnerr.BadFraming))
}

func TestDecodeUnexpectedStxInsideFrame(t *testing.T) {
	buf := []byte{0x55, 0x55, 0x46, 0x55, 0x00, 0x00, 0x04}
	resp, consumed, err := Decode(buf)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 4, consumed)
	assert.True(t, stnerr.IsKind(err, stnerr.BadFraming))
}

func TestDecodeDetectsCorruptedCRC(t *testing.T) {
	buf := []byte{0x55, 0x55, 0x46, 0x02, 0x05, 0x04, 0x01, 0xFB, 0x81, 0x04}
	resp, consumed, err := Decode(buf)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, stnerr.IsKind(err, stnerr.BadCrc))
}

func TestDecodeLengthFieldMismatch(t *testing.T) {
	// Declares a two-byte payload but only one byte trails before the CRC.
	buf := []byte{0x55, 0x55, 0x46, 0x02, 0x01, 0x11, 0x22, 0x04}
	resp, consumed, err := Decode(buf)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, len(buf), consumed)
	assert.True(t, stnerr.IsKind(err, stnerr.BadFraming))
}

// TestByteStuffingRoundTrip exercises the byte-stuffing/unstuffing pair in isolation:
// for any raw byte sequence, destuffing a stuffed sequence always recovers
// the original bytes exactly. This holds independent of the length-field
// asymmetry between Encode and Decode, since stuffing operates purely on the
// byte stream.
func TestByteStuffingRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x00, 0x01, 0x02},
		{STX, ETX, DLE},
		{STX, STX, ETX, ETX, DLE, DLE},
		{0xFF, STX, 0x10, DLE, 0x20, ETX, 0x30},
	}
	for _, raw := range cases {
		var stuffed []byte
		for _, b := range raw {
			stuffed = stuff(stuffed, b)
		}
		assert.Equal(t, raw, destuff(t, stuffed))
	}
}
