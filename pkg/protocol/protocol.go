// Package protocol implements the command-tagged request/response RPC
// carried over frame.RequestFrame / frame.ResponseFrame: per-command payload
// schemas, big-endian fixed-width (de)serialization, and the ack/command
// validation a received frame must pass before its payload is trusted.
package protocol

import (
	"encoding/binary"

	"github.com/obdsol/stn-updater/pkg/frame"
	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// Command is the STN bootloader console's command byte (bits 0-5; bits 6-7
// are reserved for the ack/reply direction and never set on a request).
type Command byte

const (
	CmdResendLast      Command = 0x01
	CmdReset           Command = 0x02
	CmdConnect         Command = 0x03
	CmdGetVersion      Command = 0x06
	CmdGetDevID        Command = 0x07
	CmdGetHWRev        Command = 0x08
	CmdGetSerialNumber Command = 0x0A
	CmdGetDeviceName   Command = 0x0B
	CmdGetFWStatus     Command = 0x0F
	CmdStartUpload     Command = 0x30
	CmdSendChunk       Command = 0x31
)

// Request is anything that can be framed as a RequestFrame.
type Request interface {
	Command() Command
	Encode() []byte
}

// Response decodes a ResponseFrame's data payload into itself.
type Response interface {
	Decode(data []byte) error
}

// Frame builds the wire RequestFrame for req.
func Frame(req Request) frame.RequestFrame {
	return frame.NewRequestFrame(byte(req.Command()), req.Encode())
}

// Validate checks a received ResponseFrame against the command expected for
// the request that provoked it (which, for a ResendLast, is the *original*
// request's command, not CmdResendLast — see ResendLastRequest) and, on
// success, decodes its payload into out.
func Validate(resp *frame.ResponseFrame, expected Command, out Response) error {
	if Command(resp.Command) != expected {
		return stnerr.New(stnerr.InvalidCommand, "expected response to command %#02x, got %#02x", byte(expected), resp.Command).WithCommand(resp.Command)
	}
	if !resp.Ack {
		return stnerr.New(stnerr.InvalidResponse, "device did not acknowledge command %#02x", resp.Command).WithCommand(resp.Command)
	}
	if out == nil {
		return nil
	}
	if err := out.Decode(resp.Data); err != nil {
		return stnerr.Wrap(stnerr.Deserialize, err, "decoding response to command %#02x", resp.Command).WithCommand(resp.Command)
	}
	return nil
}

func requireLen(data []byte, want int) error {
	if len(data) != want {
		return stnerr.New(stnerr.Deserialize, "expected %d response bytes, got %d", want, len(data))
	}
	return nil
}

// putUint24BE writes the low 24 bits of v into buf as big-endian.
func putUint24BE(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

// ResendLastRequest asks the device to retransmit its last response. It
// always carries CmdResendLast on the wire, but the caller must validate the
// reply against the original request's command — Validate is parameterised
// on `expected` for exactly this reason.
type ResendLastRequest struct{}

func (ResendLastRequest) Command() Command { return CmdResendLast }
func (ResendLastRequest) Encode() []byte   { return nil }

// ConnectRequest switches the console from AT-command mode into the binary
// bootloader protocol this package speaks.
type ConnectRequest struct{}

func (ConnectRequest) Command() Command { return CmdConnect }
func (ConnectRequest) Encode() []byte   { return nil }

type ConnectResponse struct{}

func (*ConnectResponse) Decode(data []byte) error { return requireLen(data, 0) }

// ResetRequest drops the device out of the bootloader console back to its
// normal run mode.
type ResetRequest struct{}

func (ResetRequest) Command() Command { return CmdReset }
func (ResetRequest) Encode() []byte   { return nil }

type ResetResponse struct{}

func (*ResetResponse) Decode(data []byte) error { return requireLen(data, 0) }

// GetVersionRequest reads the bootloader protocol version.
type GetVersionRequest struct{}

func (GetVersionRequest) Command() Command { return CmdGetVersion }
func (GetVersionRequest) Encode() []byte   { return nil }

type GetVersionResponse struct {
	Major byte
	Minor byte
}

func (r *GetVersionResponse) Decode(data []byte) error {
	if err := requireLen(data, 2); err != nil {
		return err
	}
	r.Major, r.Minor = data[0], data[1]
	return nil
}

// GetDevIDRequest reads the 16-bit device identifier used to match a
// firmware image's device_ids table.
type GetDevIDRequest struct{}

func (GetDevIDRequest) Command() Command { return CmdGetDevID }
func (GetDevIDRequest) Encode() []byte   { return nil }

type GetDevIDResponse struct {
	DeviceID uint16
}

func (r *GetDevIDResponse) Decode(data []byte) error {
	if err := requireLen(data, 2); err != nil {
		return err
	}
	r.DeviceID = binary.BigEndian.Uint16(data)
	return nil
}

// GetHWRevRequest reads the hardware revision.
type GetHWRevRequest struct{}

func (GetHWRevRequest) Command() Command { return CmdGetHWRev }
func (GetHWRevRequest) Encode() []byte   { return nil }

type GetHWRevResponse struct {
	Major byte
	Minor byte
}

func (r *GetHWRevResponse) Decode(data []byte) error {
	if err := requireLen(data, 2); err != nil {
		return err
	}
	r.Major, r.Minor = data[0], data[1]
	return nil
}

// GetSerialNumberRequest reads the device's 8-byte serial number.
type GetSerialNumberRequest struct{}

func (GetSerialNumberRequest) Command() Command { return CmdGetSerialNumber }
func (GetSerialNumberRequest) Encode() []byte   { return nil }

type GetSerialNumberResponse struct {
	Serial [8]byte
}

func (r *GetSerialNumberResponse) Decode(data []byte) error {
	if err := requireLen(data, 8); err != nil {
		return err
	}
	copy(r.Serial[:], data)
	return nil
}

// GetDeviceNameRequest reads the device's fixed-width 32-byte name field
// (NUL-padded).
type GetDeviceNameRequest struct{}

func (GetDeviceNameRequest) Command() Command { return CmdGetDeviceName }
func (GetDeviceNameRequest) Encode() []byte   { return nil }

type GetDeviceNameResponse struct {
	Name [32]byte
}

func (r *GetDeviceNameResponse) Decode(data []byte) error {
	if err := requireLen(data, 32); err != nil {
		return err
	}
	copy(r.Name[:], data)
	return nil
}

// GetFWStatusRequest reads the firmware upload status byte.
type GetFWStatusRequest struct{}

func (GetFWStatusRequest) Command() Command { return CmdGetFWStatus }
func (GetFWStatusRequest) Encode() []byte   { return nil }

type GetFWStatusResponse struct {
	Status byte
}

func (r *GetFWStatusResponse) Decode(data []byte) error {
	if err := requireLen(data, 1); err != nil {
		return err
	}
	r.Status = data[0]
	return nil
}

// StartUploadRequest begins a single image transfer. ImageSize is carried
// on the wire as a 24-bit big-endian integer (the bootloader's chunk
// counters never need the full 32 bits); Mode is always 1 for a normal
// upload.
type StartUploadRequest struct {
	ImageSize uint32
	Mode      byte
}

func (StartUploadRequest) Command() Command { return CmdStartUpload }

func (r StartUploadRequest) Encode() []byte {
	buf := make([]byte, 4)
	putUint24BE(buf[:3], r.ImageSize)
	buf[3] = r.Mode
	return buf
}

type StartUploadResponse struct {
	MaxChunkSize uint16
}

func (r *StartUploadResponse) Decode(data []byte) error {
	if err := requireLen(data, 2); err != nil {
		return err
	}
	r.MaxChunkSize = binary.BigEndian.Uint16(data)
	return nil
}

// SendChunkRequest transfers one chunk of the current image's data at
// zero-based index ChunkNum.
type SendChunkRequest struct {
	ChunkNum uint16
	Data     []byte
}

func (SendChunkRequest) Command() Command { return CmdSendChunk }

func (r SendChunkRequest) Encode() []byte {
	buf := make([]byte, 2+len(r.Data))
	binary.BigEndian.PutUint16(buf, r.ChunkNum)
	copy(buf[2:], r.Data)
	return buf
}

type SendChunkResponse struct {
	ChunkNum uint16
}

func (r *SendChunkResponse) Decode(data []byte) error {
	if err := requireLen(data, 2); err != nil {
		return err
	}
	r.ChunkNum = binary.BigEndian.Uint16(data)
	return nil
}
