package frame

import "github.com/obdsol/stn-updater/pkg/stnerr"

// Encode serializes a RequestFrame to the wire format:
//
//	STX STX  CMD  LENHI LENLO  D0 … D(L-1)  CRCHI CRCLO  ETX
//
// with every STX/ETX/DLE inside the stuffed region escaped by a leading
// DLE. CRC is CRC-16/XMODEM over the unstuffed CMD‖LEN‖DATA.
func Encode(req RequestFrame) ([]byte, error) {
	if len(req.Data) > MaxDataLen {
		return nil, stnerr.New(stnerr.BadFraming, "request payload too large: %d bytes", len(req.Data))
	}

	length := len(req.Data)
	logical := make([]byte, 0, 3+length)
	logical = append(logical, req.Command)
	logical = append(logical, byte(length>>8), byte(length))
	logical = append(logical, req.Data...)

	crc := crc16(0, logical)

	out := make([]byte, 0, 2+2*(len(logical)+2)+1)
	out = append(out, STX, STX)
	for _, b := range logical {
		out = stuff(out, b)
	}
	out = stuff(out, byte(crc>>8))
	out = stuff(out, byte(crc))
	out = append(out, ETX)

	return out, nil
}

// Decode attempts to parse one ResponseFrame from the front of buf.
//
// Three outcomes: (nil, 0, nil) means "need more bytes"; a non-nil error
// means the framing is irrecoverably broken (the returned consumed count
// still tells the caller how many leading bytes to drop to resynchronize);
// a non-nil Frame means success, and consumed includes the terminating ETX.
func Decode(buf []byte) (*ResponseFrame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}

	if buf[0] != STX || buf[1] != STX {
		return nil, 2, stnerr.New(stnerr.BadFraming, "expected STX STX, got %#02x %#02x", buf[0], buf[1])
	}

	logical := make([]byte, 0, len(buf))
	skip := false

	for idx := 2; idx < len(buf); idx++ {
		b := buf[idx]

		if skip {
			logical = append(logical, b)
			skip = false
			continue
		}

		switch b {
		case STX:
			return nil, idx + 1, stnerr.New(stnerr.BadFraming, "unexpected STX at offset %d", idx)
		case DLE:
			skip = true
		case ETX:
			if len(logical) < 4 || int(logical[1]) != len(logical)-4 {
				return nil, idx + 1, stnerr.New(stnerr.BadFraming, "length field mismatch: declared %d, have %d", logical[1], len(logical)-4)
			}

			if crc16(0, logical) != 0 {
				return nil, idx + 1, stnerr.New(stnerr.BadCrc, "crc check failed")
			}

			ack := logical[0]&0x40 != 0
			command := logical[0] & 0x3F
			length := int(logical[1])
			data := make([]byte, length)
			copy(data, logical[2:2+length])

			return &ResponseFrame{Ack: ack, Command: command, Data: data}, idx + 1, nil
		default:
			logical = append(logical, b)
		}
	}

	return nil, 0, nil
}
