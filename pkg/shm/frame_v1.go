package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxExtraDataBytes bounds FrameMetadataV1.ExtraData, matching the fixed
// 32-byte array in the original MetadataV1 struct (original_source's
// DataReaderV1.h). The C++ struct has no bounds check at all; Go's
// fixed-size array forces one, so writing more than this returns
// ErrExtraDataTooLarge instead of silently overflowing (DESIGN.md Open
// Question decision 1).
const MaxExtraDataBytes = 32

// MetadataV1Bytes is the exact wire size of one V1 frame metadata record:
// 17 fixed-width little-endian fields, 104 bytes total, ported field-for-
// field from original_source's MetadataV1 struct.
const MetadataV1Bytes = 104

var ErrExtraDataTooLarge = errors.New("shm: extra data exceeds 32 bytes")

// FrameMetadataV1 is the fixed-layout per-frame metadata record used by the
// V1 sample-data format.
type FrameMetadataV1 struct {
	Offset                             uint32
	Length                             uint32
	TimePosition                       int64
	SampleDuration                     int64
	StreamID                           uint32
	ExtraData                          []byte // <= MaxExtraDataBytes
	MediaKeysID                        uint32
	MediaKeySessionIdentifierOffset    uint32
	MediaKeySessionIdentifierLength    uint32
	InitVectorOffset                   uint32
	InitVectorLength                   uint32
	SubSampleInfoOffset                uint32
	SubSampleInfoLength                uint32
	InitWithLast15                     uint32
	Extra1                             uint32 // sample rate (audio) / width (video)
	Extra2                             uint32 // channels (audio) / height (video)
}

// Encode writes m as a fixed 104-byte record into buf, which must be at
// least MetadataV1Bytes long.
func (m FrameMetadataV1) Encode(buf []byte) error {
	if len(m.ExtraData) > MaxExtraDataBytes {
		return ErrExtraDataTooLarge
	}
	if len(buf) < MetadataV1Bytes {
		return fmt.Errorf("shm: buffer too small for V1 metadata: %d < %d", len(buf), MetadataV1Bytes)
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], m.Offset)
	le.PutUint32(buf[4:8], m.Length)
	le.PutUint64(buf[8:16], uint64(m.TimePosition))
	le.PutUint64(buf[16:24], uint64(m.SampleDuration))
	le.PutUint32(buf[24:28], m.StreamID)
	le.PutUint32(buf[28:32], uint32(len(m.ExtraData)))
	copy(buf[32:64], m.ExtraData)
	le.PutUint32(buf[64:68], m.MediaKeysID)
	le.PutUint32(buf[68:72], m.MediaKeySessionIdentifierOffset)
	le.PutUint32(buf[72:76], m.MediaKeySessionIdentifierLength)
	le.PutUint32(buf[76:80], m.InitVectorOffset)
	le.PutUint32(buf[80:84], m.InitVectorLength)
	le.PutUint32(buf[84:88], m.SubSampleInfoOffset)
	le.PutUint32(buf[88:92], m.SubSampleInfoLength)
	le.PutUint32(buf[92:96], m.InitWithLast15)
	le.PutUint32(buf[96:100], m.Extra1)
	le.PutUint32(buf[100:104], m.Extra2)
	return nil
}

// DecodeFrameMetadataV1 reads one fixed 104-byte record from buf.
func DecodeFrameMetadataV1(buf []byte) (FrameMetadataV1, error) {
	if len(buf) < MetadataV1Bytes {
		return FrameMetadataV1{}, fmt.Errorf("shm: buffer too small for V1 metadata: %d < %d", len(buf), MetadataV1Bytes)
	}
	le := binary.LittleEndian
	extraLen := le.Uint32(buf[28:32])
	if extraLen > MaxExtraDataBytes {
		return FrameMetadataV1{}, ErrExtraDataTooLarge
	}
	m := FrameMetadataV1{
		Offset:                          le.Uint32(buf[0:4]),
		Length:                          le.Uint32(buf[4:8]),
		TimePosition:                    int64(le.Uint64(buf[8:16])),
		SampleDuration:                  int64(le.Uint64(buf[16:24])),
		StreamID:                        le.Uint32(buf[24:28]),
		ExtraData:                       append([]byte(nil), buf[32:32+extraLen]...),
		MediaKeysID:                     le.Uint32(buf[64:68]),
		MediaKeySessionIdentifierOffset: le.Uint32(buf[68:72]),
		MediaKeySessionIdentifierLength: le.Uint32(buf[72:76]),
		InitVectorOffset:                le.Uint32(buf[76:80]),
		InitVectorLength:                le.Uint32(buf[80:84]),
		SubSampleInfoOffset:             le.Uint32(buf[84:88]),
		SubSampleInfoLength:             le.Uint32(buf[88:92]),
		InitWithLast15:                  le.Uint32(buf[92:96]),
		Extra1:                          le.Uint32(buf[96:100]),
		Extra2:                          le.Uint32(buf[100:104]),
	}
	return m, nil
}
