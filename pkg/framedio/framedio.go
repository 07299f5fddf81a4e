// Package framedio adapts a raw duplex byte stream into a frame-oriented
// reader/writer: it buffers inbound bytes until frame.Decode can produce a
// complete frame.ResponseFrame, and hands outbound frame.RequestFrame values
// to frame.Encode before writing them whole.
package framedio

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/obdsol/stn-updater/pkg/frame"
	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// Stream is the duplex byte channel FramedIO wraps: a serial port, or a BLE
// GATT adapter that concatenates notify payloads into a byte queue and
// serializes outbound writes (see pkg/transport).
type Stream interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

const readChunkSize = 512

// FramedIO owns the read-side byte buffer for one Stream. Partial frames
// remain resident across calls to PullNextFrame.
type FramedIO struct {
	stream Stream
	buf    []byte
	chunk  []byte
}

// New wraps stream for frame-oriented I/O.
func New(stream Stream) *FramedIO {
	return &FramedIO{
		stream: stream,
		buf:    make([]byte, 0, readChunkSize),
		chunk:  make([]byte, readChunkSize),
	}
}

// WriteFrame encodes req and writes it to the stream in a single call.
func (f *FramedIO) WriteFrame(req frame.RequestFrame) error {
	out, err := frame.Encode(req)
	if err != nil {
		return err
	}
	if _, err := f.stream.Write(out); err != nil {
		return stnerr.Wrap(stnerr.IO, err, "writing frame")
	}
	return nil
}

// PullNextFrame returns the next complete frame from the buffered stream,
// reading more bytes as needed until one decodes or deadline passes. A
// malformed frame's decode error is returned immediately; the bytes it
// consumed are dropped from the buffer so the next call resynchronizes past
// it.
func (f *FramedIO) PullNextFrame(deadline time.Time) (*frame.ResponseFrame, error) {
	for {
		resp, consumed, err := frame.Decode(f.buf)
		if err != nil {
			f.buf = append(f.buf[:0], f.buf[consumed:]...)
			return nil, err
		}
		if resp != nil {
			f.buf = append(f.buf[:0], f.buf[consumed:]...)
			return resp, nil
		}

		if err := f.stream.SetReadDeadline(deadline); err != nil {
			return nil, stnerr.Wrap(stnerr.IO, err, "setting read deadline")
		}
		n, err := f.stream.Read(f.chunk)
		if n > 0 {
			f.buf = append(f.buf, f.chunk[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				return nil, stnerr.Sentinel(stnerr.Timeout)
			}
			return nil, stnerr.Wrap(stnerr.IO, err, "reading from stream")
		}
	}
}

// ClearReadBuffer discards all pending unconsumed bytes. Callers use this to
// recover after a timeout, so stale bytes from an abandoned exchange can't
// corrupt the next one.
func (f *FramedIO) ClearReadBuffer() {
	f.buf = f.buf[:0]
}

// Stream returns the underlying stream, e.g. so a Resetter can drive it
// directly.
func (f *FramedIO) Stream() Stream { return f.stream }

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || stnerr.IsKind(err, stnerr.Timeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
