// Package reset implements the Resetter capability: the AT-command
// handshake that drops an STN console out of its normal run mode and into
// the binary bootloader protocol pkg/protocol speaks.
package reset

import (
	"time"

	"github.com/obdsol/stn-updater/pkg/framedio"
	"github.com/obdsol/stn-updater/pkg/stnerr"
)

const (
	promptTimeout = time.Second
	echoTimeout   = time.Second
	settleDelay   = 100 * time.Millisecond
)

// Resetter drives stream into bootloader command state. Implementations are
// parameterised over the transport; the same ATZ handshake below applies
// equally to a serial stream and a BLE GATT stream.
type Resetter interface {
	Reset(stream framedio.Stream) error
}

// ATZ is the canonical Resetter: it clears pending input, requests the `>`
// AT-command prompt, then issues a soft reset and waits for it to echo.
type ATZ struct{}

func (ATZ) Reset(stream framedio.Stream) error {
	if err := drain(stream); err != nil {
		return err
	}

	if err := writeAndAwait(stream, "?\r", ">", promptTimeout); err != nil {
		return stnerr.Wrap(stnerr.Other, err, "waiting for AT prompt")
	}

	if err := writeAndAwait(stream, "ATZ\r", "ATZ\r", echoTimeout); err != nil {
		return stnerr.Wrap(stnerr.Other, err, "waiting for ATZ echo")
	}

	time.Sleep(settleDelay)
	return nil
}

// drain discards whatever the device has already queued for us, so the
// prompt/echo waits below aren't fooled by stale bytes.
func drain(stream framedio.Stream) error {
	if err := stream.SetReadDeadline(time.Now().Add(10 * time.Millisecond)); err != nil {
		return stnerr.Wrap(stnerr.IO, err, "setting drain deadline")
	}
	buf := make([]byte, 256)
	for {
		n, err := stream.Read(buf)
		if n == 0 || err != nil {
			return nil
		}
	}
}

// writeAndAwait writes out, then reads until want has appeared in the
// accumulated input or deadline elapses.
func writeAndAwait(stream framedio.Stream, out, want string, timeout time.Duration) error {
	if _, err := stream.Write([]byte(out)); err != nil {
		return stnerr.Wrap(stnerr.IO, err, "writing %q", out)
	}

	deadline := time.Now().Add(timeout)
	var seen []byte
	buf := make([]byte, 64)
	for {
		if err := stream.SetReadDeadline(deadline); err != nil {
			return stnerr.Wrap(stnerr.IO, err, "setting read deadline")
		}
		n, err := stream.Read(buf)
		if n > 0 {
			seen = append(seen, buf[:n]...)
			if containsString(seen, want) {
				return nil
			}
		}
		if err != nil {
			return stnerr.Sentinel(stnerr.Timeout)
		}
		if time.Now().After(deadline) {
			return stnerr.Sentinel(stnerr.Timeout)
		}
	}
}

func containsString(haystack []byte, needle string) bool {
	n := len(needle)
	if n == 0 || len(haystack) < n {
		return false
	}
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == needle {
			return true
		}
	}
	return false
}
