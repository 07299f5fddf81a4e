// Package serial adapts a go.bug.st/serial port to the framedio.Stream
// interface the updater core consumes.
package serial

import (
	"os"
	"time"

	"go.bug.st/serial"

	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// Port wraps an open serial.Port as a framedio.Stream.
type Port struct {
	port serial.Port

	// hasDeadline tracks whether SetReadDeadline has ever been given a
	// non-zero time, so a timed-out Read can be told apart from one that
	// genuinely read zero bytes with no deadline in play.
	hasDeadline bool
}

// Open opens devicePath at baud 8N1, with flow control optionally enabled to
// match the adapter's wiring.
func Open(devicePath string, baud int, flowControl bool) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, stnerr.Wrap(stnerr.IO, err, "opening serial port %s", devicePath)
	}

	if flowControl {
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return nil, stnerr.Wrap(stnerr.IO, err, "enabling RTS flow control on %s", devicePath)
		}
	}

	return &Port{port: port}, nil
}

// Read reports a zero-byte, no-error return from the underlying port as
// os.ErrDeadlineExceeded whenever a deadline is in play. go.bug.st/serial's
// Read returns (0, nil) when its relative ReadTimeout expires with nothing
// received — it never returns an error for a timeout — so without this the
// caller's deadline loop in framedio.PullNextFrame would never see a
// Timeout and would spin rereading an already-expired deadline forever.
func (p *Port) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	return mapReadResult(n, err, p.hasDeadline)
}

func mapReadResult(n int, err error, hasDeadline bool) (int, error) {
	if n == 0 && err == nil && hasDeadline {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// SetReadDeadline maps the deadline-based framedio.Stream contract onto
// go.bug.st/serial's relative ReadTimeout.
func (p *Port) SetReadDeadline(t time.Time) error {
	p.hasDeadline = !t.IsZero()
	timeout := time.Until(t)
	if timeout < 0 {
		timeout = 0
	}
	return p.port.SetReadTimeout(timeout)
}

// Close releases the underlying port.
func (p *Port) Close() error {
	return p.port.Close()
}
