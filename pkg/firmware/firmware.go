// Package firmware parses the .stnfw multi-image firmware file format and
// exposes the parsed FirmwareImage value the updater state machine consumes.
// This package is a collaborator in the spec's sense: the core never writes
// .stnfw files, it only walks an already-parsed Image.
package firmware

import (
	"encoding/binary"
	"io"

	"github.com/obdsol/stn-updater/pkg/stnerr"
)

// ImageType classifies what a Descriptor's slice contains.
type ImageType byte

const (
	ImageNormal               ImageType = 0x00
	ImageNormalTolerateErrors ImageType = 0x01
	ImageValidation           ImageType = 0x10
)

// TerminalIdx marks a Descriptor as the last one in its traversal chain.
const TerminalIdx = 0xFF

const magic = "STNFWv"
const supportedVersion = "05"
const descriptorRecordLen = 12

// Descriptor points at one programmable slice of an Image's data plus its
// successor/error links.
type Descriptor struct {
	ImageType   ImageType
	NextIdx     byte
	ErrorIdx    byte
	ImageOffset uint32
	ImageSize   uint32
}

// Image is the parsed form of a .stnfw file.
type Image struct {
	DeviceIDs   map[uint16]struct{}
	Descriptors []Descriptor
	Data        []byte
}

// HasDevice reports whether id appears in the image's device_ids table.
func (img *Image) HasDevice(id uint16) bool {
	_, ok := img.DeviceIDs[id]
	return ok
}

// Slice returns the descriptor's data window.
func (img *Image) Slice(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(img.Descriptors) {
		return nil, stnerr.New(stnerr.Deserialize, "descriptor index %d out of range", idx)
	}
	d := img.Descriptors[idx]
	end := uint64(d.ImageOffset) + uint64(d.ImageSize)
	if end > uint64(len(img.Data)) {
		return nil, stnerr.New(stnerr.Deserialize, "descriptor %d: offset+size exceeds image data", idx)
	}
	return img.Data[d.ImageOffset:end], nil
}

// Parse reads a .stnfw file from r.
func Parse(r io.Reader) (*Image, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, stnerr.Wrap(stnerr.IO, err, "reading firmware image")
	}
	return ParseBytes(raw)
}

// ParseBytes parses a .stnfw file already held in memory.
//
// Offsets within a Descriptor (whether read from the file or synthesized
// for the zero-descriptor case) are absolute positions in the complete raw
// file buffer — the synthesized descriptor's documented image_offset=12 only
// makes sense against the whole file, so Image.Data is the whole file, not a
// preamble-stripped slice of it.
func ParseBytes(raw []byte) (*Image, error) {
	if len(raw) < len(magic)+2+1+1 {
		return nil, stnerr.New(stnerr.Deserialize, "firmware image truncated")
	}

	pos := 0
	if string(raw[pos:pos+len(magic)]) != magic {
		return nil, stnerr.New(stnerr.Deserialize, "bad magic %q", raw[pos:pos+len(magic)])
	}
	pos += len(magic)

	version := string(raw[pos : pos+2])
	pos += 2
	if version != supportedVersion {
		return nil, stnerr.New(stnerr.Deserialize, "unsupported firmware version %q", version)
	}

	deviceIDsCount := int(raw[pos])
	pos++
	if len(raw) < pos+2*deviceIDsCount+1 {
		return nil, stnerr.New(stnerr.Deserialize, "truncated device id table")
	}
	deviceIDs := make(map[uint16]struct{}, deviceIDsCount)
	for i := 0; i < deviceIDsCount; i++ {
		deviceIDs[binary.BigEndian.Uint16(raw[pos:pos+2])] = struct{}{}
		pos += 2
	}

	descriptorCount := int(raw[pos])
	pos++

	var descriptors []Descriptor
	if descriptorCount == 0 {
		descriptors = []Descriptor{{
			ImageType:   ImageNormal,
			NextIdx:     TerminalIdx,
			ErrorIdx:    0,
			ImageOffset: uint32(pos),
			ImageSize:   uint32(len(raw) - pos),
		}}
	} else {
		if len(raw) < pos+descriptorCount*descriptorRecordLen {
			return nil, stnerr.New(stnerr.Deserialize, "truncated descriptor table")
		}
		descriptors = make([]Descriptor, descriptorCount)
		for i := 0; i < descriptorCount; i++ {
			rec := raw[pos : pos+descriptorRecordLen]
			descriptors[i] = Descriptor{
				ImageType:   ImageType(rec[0]),
				NextIdx:     rec[2],
				ErrorIdx:    rec[3],
				ImageOffset: binary.BigEndian.Uint32(rec[4:8]),
				ImageSize:   binary.BigEndian.Uint32(rec[8:12]),
			}
			pos += descriptorRecordLen
		}
	}

	img := &Image{DeviceIDs: deviceIDs, Descriptors: descriptors, Data: raw}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// Validate checks the data-model invariants: every descriptor's slice fits
// inside Data, every next_idx is either TerminalIdx or a valid index, and
// the chain reachable from index 0 is acyclic and terminates.
func (img *Image) Validate() error {
	n := len(img.Descriptors)
	if n == 0 {
		return stnerr.New(stnerr.Deserialize, "firmware image has no descriptors")
	}

	for i, d := range img.Descriptors {
		if uint64(d.ImageOffset)+uint64(d.ImageSize) > uint64(len(img.Data)) {
			return stnerr.New(stnerr.Deserialize, "descriptor %d: offset %d + size %d exceeds image data of %d bytes", i, d.ImageOffset, d.ImageSize, len(img.Data))
		}
		if d.NextIdx != TerminalIdx && int(d.NextIdx) >= n {
			return stnerr.New(stnerr.Deserialize, "descriptor %d: next_idx %d out of range", i, d.NextIdx)
		}
	}

	visited := make(map[byte]bool, n)
	idx := byte(0)
	for {
		if visited[idx] {
			return stnerr.New(stnerr.Deserialize, "descriptor graph contains a cycle at index %d", idx)
		}
		visited[idx] = true
		next := img.Descriptors[idx].NextIdx
		if next == TerminalIdx {
			return nil
		}
		idx = next
	}
}
