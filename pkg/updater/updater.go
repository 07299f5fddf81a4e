// Package updater drives the connect / identify / upload / reset state
// machine: it enters the STN bootloader via a mode-switch handshake, then
// streams a parsed firmware.Image's descriptor chain to completion, one
// request in flight at a time.
package updater

import (
	"encoding/hex"
	"log"
	"time"

	"github.com/obdsol/stn-updater/pkg/firmware"
	"github.com/obdsol/stn-updater/pkg/framedio"
	"github.com/obdsol/stn-updater/pkg/protocol"
	"github.com/obdsol/stn-updater/pkg/reset"
	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// ProgressFunc is invoked after each successfully acknowledged chunk with
// its zero-based index and the total chunk count for the current image.
type ProgressFunc func(chunkIdx, numChunks int)

// Updater owns one session's transport exclusively: one FramedIO, one
// Resetter, one configuration. Nothing here is safe to share across
// goroutines, by design — the driver loop is single-threaded and
// cooperatively scheduled, with exactly one request in flight at a time.
type Updater struct {
	io       *framedio.FramedIO
	resetter reset.Resetter
	cfg      Config
}

// New builds an Updater over stream. resetter may be nil if the caller never
// expects to need a bootloader mode-switch (connect will then fail outright
// instead of attempting one).
func New(stream framedio.Stream, resetter reset.Resetter, cfg Config) *Updater {
	return &Updater{io: framedio.New(stream), resetter: resetter, cfg: cfg}
}

// transmit writes req and waits for its response, resending on timeout.
func (u *Updater) transmit(req protocol.Request, expected protocol.Command, out protocol.Response, timeout time.Duration, resendRetry int) error {
	if err := u.io.WriteFrame(protocol.Frame(req)); err != nil {
		return err
	}
	return u.recv(expected, out, timeout, resendRetry)
}

// recv reads frames until one validates as the expected response or the
// resend budget is exhausted. A malformed or command-mismatched frame
// surfaces its error immediately; only a bare timeout triggers a resend.
func (u *Updater) recv(expected protocol.Command, out protocol.Response, timeout time.Duration, resendRetry int) error {
	attempts := 0
	for {
		resp, err := u.io.PullNextFrame(time.Now().Add(timeout))
		if err == nil {
			return protocol.Validate(resp, expected, out)
		}
		if !stnerr.IsKind(err, stnerr.Timeout) {
			return err
		}

		u.io.ClearReadBuffer()
		if attempts >= resendRetry {
			return stnerr.Sentinel(stnerr.Timeout)
		}
		attempts++
		if err := u.io.WriteFrame(protocol.Frame(protocol.ResendLastRequest{})); err != nil {
			return err
		}
	}
}

// connect attempts Connect once at the full connect timeout; on failure it
// falls back to the Resetter's mode-switch handshake, then retries Connect
// at a short timeout up to ConnectRetry times.
func (u *Updater) connect() error {
	if err := u.transmit(protocol.ConnectRequest{}, protocol.CmdConnect, &protocol.ConnectResponse{}, u.cfg.ConnectTimeout, 0); err == nil {
		return nil
	}

	if u.resetter == nil {
		return stnerr.New(stnerr.Other, "connect failed and no resetter is configured")
	}
	if err := u.resetter.Reset(u.io.Stream()); err != nil {
		return stnerr.Wrap(stnerr.Other, err, "resetting device into bootloader mode")
	}
	u.io.ClearReadBuffer()

	for i := 0; i < u.cfg.ConnectRetry; i++ {
		if err := u.transmit(protocol.ConnectRequest{}, protocol.CmdConnect, &protocol.ConnectResponse{}, 50*time.Millisecond, 0); err == nil {
			return nil
		}
	}
	return stnerr.Sentinel(stnerr.Timeout)
}

// sendChunk makes a single SendChunk attempt and returns the device's
// acknowledged chunk index. Retrying on a mismatched index or transport
// error is the caller's responsibility (see sendImageChunks) — collapsing what
// would otherwise be a retry loop nested inside another retry loop.
func (u *Updater) sendChunk(idx uint16, chunk []byte) (uint16, error) {
	var resp protocol.SendChunkResponse
	if err := u.transmit(protocol.SendChunkRequest{ChunkNum: idx, Data: chunk}, protocol.CmdSendChunk, &resp, u.cfg.ChunkTimeout, u.cfg.ResendRetry); err != nil {
		return 0, err
	}
	return resp.ChunkNum, nil
}

// UploadFirmware connects, fetches the device id, walks img's descriptor
// chain if the device is one of img's targets, and finishes with a Reset
// whether or not the chain was walked. Any error ends the call at once, with
// no Reset sent. progress may be nil.
func (u *Updater) UploadFirmware(img *firmware.Image, progress ProgressFunc) error {
	if err := u.connect(); err != nil {
		return err
	}

	var devID protocol.GetDevIDResponse
	if err := u.transmit(protocol.GetDevIDRequest{}, protocol.CmdGetDevID, &devID, u.cfg.RequestTimeout, u.cfg.ResendRetry); err != nil {
		return err
	}
	log.Printf("device id: %#04x", devID.DeviceID)

	if img.HasDevice(devID.DeviceID) {
		if err := u.logDiagnostics(); err != nil {
			return err
		}
		if err := u.driveImages(img, progress); err != nil {
			return err
		}
	}

	return u.transmit(protocol.ResetRequest{}, protocol.CmdReset, &protocol.ResetResponse{}, u.cfg.RequestTimeout, u.cfg.ResendRetry)
}

// logDiagnostics fetches and logs the serial number and hardware revision of
// a device the current image targets, mirroring the dbg! calls the original
// updater makes right before it starts transferring image data.
func (u *Updater) logDiagnostics() error {
	var serial protocol.GetSerialNumberResponse
	if err := u.transmit(protocol.GetSerialNumberRequest{}, protocol.CmdGetSerialNumber, &serial, u.cfg.RequestTimeout, u.cfg.ResendRetry); err != nil {
		return err
	}
	log.Printf("serial number: %s", hex.EncodeToString(serial.Serial[:]))

	var hwRev protocol.GetHWRevResponse
	if err := u.transmit(protocol.GetHWRevRequest{}, protocol.CmdGetHWRev, &hwRev, u.cfg.RequestTimeout, u.cfg.ResendRetry); err != nil {
		return err
	}
	log.Printf("hardware revision: %d.%d", hwRev.Major, hwRev.Minor)

	return nil
}

// driveImages walks the descriptor chain starting at index 0, chunking and
// transferring each reachable descriptor's data slice exactly once.
func (u *Updater) driveImages(img *firmware.Image, progress ProgressFunc) error {
	imageIdx := 0
	for {
		descriptor := img.Descriptors[imageIdx]
		slice, err := img.Slice(imageIdx)
		if err != nil {
			return err
		}

		var startResp protocol.StartUploadResponse
		startReq := protocol.StartUploadRequest{ImageSize: uint32(len(slice)), Mode: 1}
		if err := u.transmit(startReq, protocol.CmdStartUpload, &startResp, u.cfg.RequestTimeout, u.cfg.ResendRetry); err != nil {
			return err
		}

		cs := u.cfg.ChunkSize
		if int(startResp.MaxChunkSize) < cs {
			cs = int(startResp.MaxChunkSize)
		}
		cs &^= 15 // round down to a multiple of 16
		if cs <= 0 {
			return stnerr.New(stnerr.Unsupported, "device-negotiated chunk size %d rounds down to zero", startResp.MaxChunkSize)
		}
		log.Printf("image %d: %d bytes, chunk size %d", imageIdx, len(slice), cs)

		if err := u.sendImageChunks(slice, cs, progress); err != nil {
			return err
		}

		if descriptor.NextIdx == firmware.TerminalIdx {
			return nil
		}
		if descriptor.ImageType != firmware.ImageNormal {
			return stnerr.New(stnerr.Unsupported, "descriptor image_type %#02x is not supported", byte(descriptor.ImageType))
		}
		imageIdx = int(descriptor.NextIdx)
	}
}

func (u *Updater) sendImageChunks(slice []byte, chunkSize int, progress ProgressFunc) error {
	numChunks := (len(slice) + chunkSize - 1) / chunkSize
	for idx := 0; idx < numChunks; idx++ {
		start := idx * chunkSize
		end := start + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunk := slice[start:end]

		var lastErr error
		acked := false
		for attempt := 0; attempt < u.cfg.ChunkRetry; attempt++ {
			got, err := u.sendChunk(uint16(idx), chunk)
			switch {
			case err == nil && got == uint16(idx):
				acked = true
			case err != nil:
				lastErr = err
			default:
				lastErr = stnerr.New(stnerr.InvalidResponse, "chunk ack mismatch: sent %d, device acked %d", idx, got)
			}
			if acked {
				break
			}
		}
		if !acked {
			return lastErr
		}
		if progress != nil {
			progress(idx, numChunks)
		}
	}
	return nil
}
