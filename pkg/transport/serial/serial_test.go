package serial

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// go.bug.st/serial's Read returns (0, nil) — not an error — when its
// relative ReadTimeout expires with nothing received. mapReadResult is what
// turns that into the os.ErrDeadlineExceeded framedio.isTimeout expects;
// without it, PullNextFrame's deadline loop never sees a timeout and spins
// on an already-expired deadline forever.
func TestMapReadResultSurfacesTimeoutOnZeroByteRead(t *testing.T) {
	n, err := mapReadResult(0, nil, true)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

// With no deadline ever set, a zero-byte read passes through untouched —
// there's nothing to time out against.
func TestMapReadResultPassesThroughWithoutDeadline(t *testing.T) {
	n, err := mapReadResult(0, nil, false)
	assert.Equal(t, 0, n)
	assert.NoError(t, err)
}

// A successful read is never reinterpreted as a timeout, deadline or not.
func TestMapReadResultPassesThroughSuccessfulRead(t *testing.T) {
	n, err := mapReadResult(5, nil, true)
	assert.Equal(t, 5, n)
	assert.NoError(t, err)
}

// A genuine I/O error from the port is never masked by the deadline check.
func TestMapReadResultPassesThroughGenuineError(t *testing.T) {
	wantErr := os.ErrClosed
	n, err := mapReadResult(0, wantErr, true)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, wantErr)
}
