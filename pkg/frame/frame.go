// Package frame implements the STX/ETX/DLE byte-stuffed, CRC-16/XMODEM
// protected framing format used by the STN bootloader console.
package frame

import "github.com/obdsol/stn-updater/pkg/stnerr"

// Framing constants. STX, ETX and DLE are the three "special" bytes; any
// occurrence of one inside the stuffed region is escaped with a leading DLE.
const (
	STX = 0x55
	ETX = 0x04
	DLE = 0x05
)

// MaxDataLen is the largest payload either frame direction can carry. A
// RequestFrame's wire length field is two bytes (LENHI always zero at this
// size); a decoded ResponseFrame's length is the single byte immediately
// following the command, per the bootloader's own framing.
const MaxDataLen = 255

// RequestFrame is an immutable host-to-device frame.
type RequestFrame struct {
	Command byte
	Data    []byte
}

// NewRequestFrame builds a RequestFrame, defensively copying data so the
// frame stays immutable once built.
func NewRequestFrame(command byte, data []byte) RequestFrame {
	cp := make([]byte, len(data))
	copy(cp, data)
	return RequestFrame{Command: command, Data: cp}
}

// ResponseFrame is an immutable device-to-host frame.
type ResponseFrame struct {
	Ack     bool
	Command byte
	Data    []byte
}

func isSpecial(b byte) bool {
	return b == STX || b == ETX || b == DLE
}

func stuff(dst []byte, b byte) []byte {
	if isSpecial(b) {
		dst = append(dst, DLE)
	}
	return append(dst, b)
}
