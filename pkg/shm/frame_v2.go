package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// tag identifies one optional field in a V2 metadata record. V2 is
// self-describing: every record carries only the tags actually present,
// reproducing the has_X() optional-field semantics of the original
// protobuf-based format (original_source's metadata.pb.h /
// DataReaderV2.cpp) without pulling in a protobuf dependency (DESIGN.md
// Open Question decision 2).
type tag uint8

const (
	tagSampleRate tag = iota + 1
	tagChannels
	tagWidth
	tagHeight
	tagSegmentAlignment
	tagExtraData
	tagCodecData
	tagMediaKeySessionID
	tagKeyID
	tagInitVector
	tagInitWithLast15
	tagCipherMode
	tagCryptSkipPattern
	tagSubSampleInfo
)

// SubSample mirrors the original's clear/encrypted byte-count pair.
type SubSample struct {
	NumClearBytes     uint32
	NumEncryptedBytes uint32
}

// FrameMetadataV2 is the self-describing per-frame metadata record used by
// the V2 sample-data format. Pointer fields are nil when absent, exactly
// mirroring the original's has_X() presence tracking.
type FrameMetadataV2 struct {
	StreamID       uint32
	TimePosition   int64
	SampleDuration int64
	Offset         uint32
	Length         uint32

	SampleRate        *uint32
	Channels          *uint32
	Width             *uint32
	Height            *uint32
	SegmentAlignment  *uint32
	ExtraData         []byte
	CodecData         []byte
	MediaKeySessionID []byte
	KeyID             []byte
	InitVector        []byte
	InitWithLast15    *bool
	CipherMode        *uint32
	CryptByteBlock    *uint32
	SkipByteBlock     *uint32
	SubSampleInfo     []SubSample
}

var ErrMissingAudioDimensions = errors.New("shm: V2 audio segment missing sample_rate/channels")
var ErrMissingVideoDimensions = errors.New("shm: V2 video segment missing width/height")

// Encrypted reports whether any DRM-related field is present, matching the
// original's encrypted = has_media_key_session_id() || has_key_id() ||
// has_init_vector() || has_init_with_last_15() derivation.
func (m FrameMetadataV2) Encrypted() bool {
	return m.MediaKeySessionID != nil || m.KeyID != nil || m.InitVector != nil || m.InitWithLast15 != nil
}

func putLV(buf []byte, t tag, data []byte) []byte {
	var hdr [5]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:5], uint32(len(data)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, data...)
	return buf
}

func putU32(buf []byte, t tag, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return putLV(buf, t, b[:])
}

func putBool(buf []byte, t tag, v bool) []byte {
	b := byte(0)
	if v {
		b = 1
	}
	return putLV(buf, t, []byte{b})
}

// Encode serializes m as: a 4-byte record length (so consecutive records in
// a partition are self-delimiting), then a fixed header (stream id, time
// position, sample duration, offset, length = 28 bytes), then a
// tag-length-value sequence of the present optional fields.
func (m FrameMetadataV2) Encode() ([]byte, error) {
	buf := make([]byte, 4, 64)
	var hdr [28]byte
	le := binary.LittleEndian
	le.PutUint32(hdr[0:4], m.StreamID)
	le.PutUint64(hdr[4:12], uint64(m.TimePosition))
	le.PutUint64(hdr[12:20], uint64(m.SampleDuration))
	le.PutUint32(hdr[20:24], m.Offset)
	le.PutUint32(hdr[24:28], m.Length)
	buf = append(buf, hdr[:]...)

	if m.SampleRate != nil {
		buf = putU32(buf, tagSampleRate, *m.SampleRate)
	}
	if m.Channels != nil {
		buf = putU32(buf, tagChannels, *m.Channels)
	}
	if m.Width != nil {
		buf = putU32(buf, tagWidth, *m.Width)
	}
	if m.Height != nil {
		buf = putU32(buf, tagHeight, *m.Height)
	}
	if m.SegmentAlignment != nil {
		buf = putU32(buf, tagSegmentAlignment, *m.SegmentAlignment)
	}
	if m.ExtraData != nil {
		buf = putLV(buf, tagExtraData, m.ExtraData)
	}
	if m.CodecData != nil {
		buf = putLV(buf, tagCodecData, m.CodecData)
	}
	if m.MediaKeySessionID != nil {
		buf = putLV(buf, tagMediaKeySessionID, m.MediaKeySessionID)
	}
	if m.KeyID != nil {
		buf = putLV(buf, tagKeyID, m.KeyID)
	}
	if m.InitVector != nil {
		buf = putLV(buf, tagInitVector, m.InitVector)
	}
	if m.InitWithLast15 != nil {
		buf = putBool(buf, tagInitWithLast15, *m.InitWithLast15)
	}
	if m.CipherMode != nil {
		buf = putU32(buf, tagCipherMode, *m.CipherMode)
	}
	if m.CryptByteBlock != nil && m.SkipByteBlock != nil {
		var b [8]byte
		le.PutUint32(b[0:4], *m.CryptByteBlock)
		le.PutUint32(b[4:8], *m.SkipByteBlock)
		buf = putLV(buf, tagCryptSkipPattern, b[:])
	}
	if m.SubSampleInfo != nil {
		sub := make([]byte, 0, 8*len(m.SubSampleInfo))
		for _, s := range m.SubSampleInfo {
			var b [8]byte
			le.PutUint32(b[0:4], s.NumClearBytes)
			le.PutUint32(b[4:8], s.NumEncryptedBytes)
			sub = append(sub, b[:]...)
		}
		buf = putLV(buf, tagSubSampleInfo, sub)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)-4))
	return buf, nil
}

// DecodeFrameMetadataV2 parses one self-describing record from buf, which
// must begin at the record's leading 4-byte length prefix; it returns the
// number of bytes (including that prefix) the record consumed, so callers
// can advance to the next record. Matching the original's "malformed record
// discards the whole batch" behavior (DataReaderV2.cpp's ParseFromArray
// failure path), any structural error here is meant to be treated by the
// caller as fatal for the entire read, not just this frame.
func DecodeFrameMetadataV2(buf []byte) (FrameMetadataV2, int, error) {
	if len(buf) < 4 {
		return FrameMetadataV2{}, 0, errors.New("shm: truncated V2 length prefix")
	}
	le := binary.LittleEndian
	recLen := int(le.Uint32(buf[0:4]))
	if recLen < 28 || 4+recLen > len(buf) {
		return FrameMetadataV2{}, 0, errors.New("shm: truncated V2 record")
	}
	rec := buf[4 : 4+recLen]
	m := FrameMetadataV2{
		StreamID:       le.Uint32(rec[0:4]),
		TimePosition:   int64(le.Uint64(rec[4:12])),
		SampleDuration: int64(le.Uint64(rec[12:20])),
		Offset:         le.Uint32(rec[20:24]),
		Length:         le.Uint32(rec[24:28]),
	}
	off := 28
	for {
		if off == len(rec) {
			break
		}
		if off+5 > len(rec) {
			return FrameMetadataV2{}, 0, errors.New("shm: truncated V2 tag header")
		}
		t := tag(rec[off])
		n := int(le.Uint32(rec[off+1 : off+5]))
		off += 5
		if off+n > len(rec) {
			return FrameMetadataV2{}, 0, errors.New("shm: truncated V2 tag value")
		}
		val := rec[off : off+n]
		off += n
		if err := applyTag(&m, t, val, le); err != nil {
			return FrameMetadataV2{}, 0, err
		}
	}
	return m, 4 + recLen, nil
}

func applyTag(m *FrameMetadataV2, t tag, val []byte, le binary.ByteOrder) error {
	u32 := func() (uint32, error) {
		if len(val) != 4 {
			return 0, fmt.Errorf("shm: tag %d expected 4 bytes, got %d", t, len(val))
		}
		return le.Uint32(val), nil
	}
	switch t {
	case tagSampleRate:
		v, err := u32()
		if err != nil {
			return err
		}
		m.SampleRate = &v
	case tagChannels:
		v, err := u32()
		if err != nil {
			return err
		}
		m.Channels = &v
	case tagWidth:
		v, err := u32()
		if err != nil {
			return err
		}
		m.Width = &v
	case tagHeight:
		v, err := u32()
		if err != nil {
			return err
		}
		m.Height = &v
	case tagSegmentAlignment:
		v, err := u32()
		if err != nil {
			return err
		}
		m.SegmentAlignment = &v
	case tagExtraData:
		m.ExtraData = append([]byte(nil), val...)
	case tagCodecData:
		m.CodecData = append([]byte(nil), val...)
	case tagMediaKeySessionID:
		m.MediaKeySessionID = append([]byte(nil), val...)
	case tagKeyID:
		m.KeyID = append([]byte(nil), val...)
	case tagInitVector:
		m.InitVector = append([]byte(nil), val...)
	case tagInitWithLast15:
		if len(val) != 1 {
			return fmt.Errorf("shm: tag InitWithLast15 expected 1 byte, got %d", len(val))
		}
		v := val[0] != 0
		m.InitWithLast15 = &v
	case tagCipherMode:
		v, err := u32()
		if err != nil {
			return err
		}
		m.CipherMode = &v
	case tagCryptSkipPattern:
		if len(val) != 8 {
			return fmt.Errorf("shm: tag CryptSkipPattern expected 8 bytes, got %d", len(val))
		}
		crypt := le.Uint32(val[0:4])
		skip := le.Uint32(val[4:8])
		m.CryptByteBlock = &crypt
		m.SkipByteBlock = &skip
	case tagSubSampleInfo:
		if len(val)%8 != 0 {
			return fmt.Errorf("shm: tag SubSampleInfo length %d not a multiple of 8", len(val))
		}
		for i := 0; i < len(val); i += 8 {
			m.SubSampleInfo = append(m.SubSampleInfo, SubSample{
				NumClearBytes:     le.Uint32(val[i : i+4]),
				NumEncryptedBytes: le.Uint32(val[i+4 : i+8]),
			})
		}
	default:
		return fmt.Errorf("shm: unknown V2 tag %d", t)
	}
	return nil
}

// ValidateAudio enforces the original's has_sample_rate()+has_channels_num()
// requirement for audio segments.
func (m FrameMetadataV2) ValidateAudio() error {
	if m.SampleRate == nil || m.Channels == nil {
		return ErrMissingAudioDimensions
	}
	return nil
}

// ValidateVideo enforces the original's has_width()+has_height() requirement
// for video segments.
func (m FrameMetadataV2) ValidateVideo() error {
	if m.Width == nil || m.Height == nil {
		return ErrMissingVideoDimensions
	}
	return nil
}
