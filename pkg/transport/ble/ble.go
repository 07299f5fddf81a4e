// Package ble adapts a go-ble/ble GATT notify/write characteristic pair to
// the framedio.Stream interface the updater core consumes.
//
// A GATT notify/write pair is message-framed, not byte-stream-oriented:
// Stream concatenates inbound notification payloads into a contiguous byte
// queue for the decoder, and writes outbound bytes as a single
// WriteWithoutResponse per Write call, sequenced one at a time behind a
// mutex so the core's single-in-flight-request assumption holds even though
// the GATT write itself is asynchronous.
package ble

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// Service and characteristic UUIDs the adapter discovers on the peripheral.
var (
	ServiceUUID  = ble.MustParse("0000FFF0-0000-1000-8000-00805F9B34FB")
	RXNotifyUUID = ble.MustParse("0000FFF1-0000-1000-8000-00805F9B34FB")
	TXWriteUUID  = ble.MustParse("0000FFF2-0000-1000-8000-00805F9B34FB")
)

// Stream is a duplex byte stream over one connected GATT peripheral.
type Stream struct {
	client ble.Client
	txChar *ble.Characteristic

	writeMu sync.Mutex

	mu       sync.Mutex
	cond     *sync.Cond
	inbound  []byte
	deadline time.Time
	closed   bool
}

// Dial scans for a peripheral matching filter, connects, discovers the
// service described by ServiceUUID, and wires up notify/write. filter has
// the same signature as ble.Connect's own advertisement filter, so a plain
// closure works without needing ble's named filter type.
func Dial(ctx context.Context, filter func(ble.Advertisement) bool) (*Stream, error) {
	client, err := ble.Connect(ctx, filter)
	if err != nil {
		return nil, stnerr.Wrap(stnerr.IO, err, "connecting to ble peripheral")
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return nil, stnerr.Wrap(stnerr.IO, err, "discovering ble gatt profile")
	}

	var rxChar, txChar *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(ServiceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			switch {
			case c.UUID.Equal(RXNotifyUUID):
				rxChar = c
			case c.UUID.Equal(TXWriteUUID):
				txChar = c
			}
		}
	}
	if rxChar == nil || txChar == nil {
		client.CancelConnection()
		return nil, stnerr.New(stnerr.IO, "peripheral is missing the expected RX/TX characteristics")
	}

	s := &Stream{client: client, txChar: txChar}
	s.cond = sync.NewCond(&s.mu)

	if err := client.Subscribe(rxChar, false, s.onNotify); err != nil {
		client.CancelConnection()
		return nil, stnerr.Wrap(stnerr.IO, err, "subscribing to ble rx characteristic")
	}

	return s, nil
}

// onNotify appends one inbound notification payload to the byte queue.
func (s *Stream) onNotify(data []byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, data...)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Read blocks until at least one byte is queued, the deadline set by
// SetReadDeadline passes, or the stream is closed.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.inbound) == 0 && !s.closed {
		if !s.deadline.IsZero() {
			remaining := time.Until(s.deadline)
			if remaining <= 0 {
				return 0, stnerr.Sentinel(stnerr.Timeout)
			}
			timer := time.AfterFunc(remaining, s.cond.Broadcast)
			s.cond.Wait()
			timer.Stop()
			if len(s.inbound) == 0 && time.Now().After(s.deadline) {
				return 0, stnerr.Sentinel(stnerr.Timeout)
			}
			continue
		}
		s.cond.Wait()
	}
	if s.closed && len(s.inbound) == 0 {
		return 0, stnerr.New(stnerr.IO, "ble stream closed")
	}

	n := copy(p, s.inbound)
	s.inbound = s.inbound[n:]
	return n, nil
}

// SetReadDeadline sets the absolute time by which a blocked Read must give
// up and return a Timeout error.
func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.deadline = t
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Write sends b as a single WriteWithoutResponse. Writes are serialized: the
// core only ever has one frame in flight, but this guards against a stray
// concurrent caller (e.g. a Resetter driving the same stream) corrupting the
// wire.
func (s *Stream) Write(b []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.client.WriteCharacteristic(s.txChar, b, true); err != nil {
		return 0, stnerr.Wrap(stnerr.IO, err, "writing ble characteristic")
	}
	return len(b), nil
}

// Close tears down the subscription and the connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.client.CancelConnection()
}
