package reset

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/obdsol/stn-updater/pkg/stnerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptStream replies to the Nth Write with the Nth entry of responses (if
// any), and otherwise blocks until its deadline, like a device that has
// nothing more to say.
type scriptStream struct {
	responses [][]byte
	writes    [][]byte
	pending   []byte
	deadline  time.Time
}

func (s *scriptStream) Write(p []byte) (int, error) {
	idx := len(s.writes)
	s.writes = append(s.writes, append([]byte{}, p...))
	if idx < len(s.responses) {
		s.pending = append(s.pending, s.responses[idx]...)
	}
	return len(p), nil
}

func (s *scriptStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	if !s.deadline.IsZero() {
		if d := time.Until(s.deadline); d > 0 {
			time.Sleep(d)
		}
		return 0, os.ErrDeadlineExceeded
	}
	return 0, io.EOF
}

func (s *scriptStream) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func TestATZResetSucceeds(t *testing.T) {
	stream := &scriptStream{responses: [][]byte{[]byte(">"), []byte("ATZ\r")}}
	err := ATZ{}.Reset(stream)
	require.NoError(t, err)
	require.Len(t, stream.writes, 2)
	assert.Equal(t, "?\r", string(stream.writes[0]))
	assert.Equal(t, "ATZ\r", string(stream.writes[1]))
}

func TestATZResetTimesOutWithoutPrompt(t *testing.T) {
	stream := &scriptStream{}
	err := ATZ{}.Reset(stream)
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Other))
}
