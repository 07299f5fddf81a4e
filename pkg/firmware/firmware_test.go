package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/obdsol/stn-updater/pkg/stnerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildHeader(deviceIDs []uint16, descriptorCount int) []byte {
	buf := []byte(magic)
	buf = append(buf, supportedVersion...)
	buf = append(buf, byte(len(deviceIDs)))
	for _, id := range deviceIDs {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, id)
		buf = append(buf, b...)
	}
	buf = append(buf, byte(descriptorCount))
	return buf
}

func appendDescriptorRecord(buf []byte, imageType, nextIdx, errorIdx byte, offset, size uint32) []byte {
	rec := make([]byte, descriptorRecordLen)
	rec[0] = imageType
	rec[2] = nextIdx
	rec[3] = errorIdx
	binary.BigEndian.PutUint32(rec[4:8], offset)
	binary.BigEndian.PutUint32(rec[8:12], size)
	return append(buf, rec...)
}

func TestParseSynthesizesDescriptorWhenCountIsZero(t *testing.T) {
	raw := buildHeader([]uint16{0x1234}, 0)
	headerLen := len(raw)
	require.Equal(t, 12, headerLen)
	payload := bytes.Repeat([]byte{0xAA}, 20)
	raw = append(raw, payload...)

	img, err := ParseBytes(raw)
	require.NoError(t, err)
	assert.True(t, img.HasDevice(0x1234))
	require.Len(t, img.Descriptors, 1)
	d := img.Descriptors[0]
	assert.Equal(t, ImageNormal, d.ImageType)
	assert.Equal(t, byte(TerminalIdx), d.NextIdx)
	assert.Equal(t, uint32(headerLen), d.ImageOffset)
	assert.Equal(t, uint32(len(payload)), d.ImageSize)

	slice, err := img.Slice(0)
	require.NoError(t, err)
	assert.Equal(t, payload, slice)
}

func TestParseExplicitDescriptorChain(t *testing.T) {
	raw := buildHeader([]uint16{0xABCD}, 2)
	headerLen := len(raw) + 2*descriptorRecordLen
	firstOffset := uint32(headerLen)
	secondOffset := firstOffset + 10
	raw = appendDescriptorRecord(raw, byte(ImageNormal), 1, 0, firstOffset, 10)
	raw = appendDescriptorRecord(raw, byte(ImageNormal), TerminalIdx, 0, secondOffset, 10)
	raw = append(raw, bytes.Repeat([]byte{0x01}, 10)...)
	raw = append(raw, bytes.Repeat([]byte{0x02}, 10)...)

	img, err := ParseBytes(raw)
	require.NoError(t, err)
	require.Len(t, img.Descriptors, 2)

	s0, err := img.Slice(0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 10), s0)

	s1, err := img.Slice(1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 10), s1)
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildHeader([]uint16{0x0001}, 0)
	raw[0] = 'X'
	raw = append(raw, 0x00)
	_, err := ParseBytes(raw)
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Deserialize))
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	raw := buildHeader([]uint16{0x0001}, 0)
	raw[6], raw[7] = '0', '1'
	raw = append(raw, 0x00)
	_, err := ParseBytes(raw)
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Deserialize))
}

func TestValidateRejectsOutOfRangeNextIdx(t *testing.T) {
	img := &Image{
		DeviceIDs: map[uint16]struct{}{1: {}},
		Descriptors: []Descriptor{
			{ImageType: ImageNormal, NextIdx: 5, ImageOffset: 0, ImageSize: 0},
		},
		Data: nil,
	}
	err := img.Validate()
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Deserialize))
}

func TestValidateRejectsOversizedSlice(t *testing.T) {
	img := &Image{
		Descriptors: []Descriptor{
			{ImageType: ImageNormal, NextIdx: TerminalIdx, ImageOffset: 0, ImageSize: 100},
		},
		Data: make([]byte, 10),
	}
	err := img.Validate()
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Deserialize))
}

func TestValidateRejectsCycle(t *testing.T) {
	img := &Image{
		Descriptors: []Descriptor{
			{ImageType: ImageNormal, NextIdx: 1, ImageOffset: 0, ImageSize: 0},
			{ImageType: ImageNormal, NextIdx: 0, ImageOffset: 0, ImageSize: 0},
		},
		Data: nil,
	}
	err := img.Validate()
	require.Error(t, err)
	assert.True(t, stnerr.IsKind(err, stnerr.Deserialize))
}
