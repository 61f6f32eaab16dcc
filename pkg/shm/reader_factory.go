package shm

import (
	"encoding/binary"
	"fmt"
)

// Format identifies which per-frame metadata layout a ShmPartition was
// written with.
type Format uint32

const (
	FormatV1 Format = 1
	FormatV2 Format = 2
)

// versionSizeBytes is the width of the leading format-version field written
// at dataOffset, matching original_source's VERSION_SIZE_BYTES.
const versionSizeBytes = 4

// MaxFrames bounds how many frames one partition holds, matching
// original_source/ShmUtils.h's kMaxFrames constant.
const MaxFrames = 24

// MaxMetadataBytes returns the maximum bytes the metadata region of a
// partition can occupy: the version field plus kMaxFrames V1 records
// (4 + 24*104 = 2500 bytes). Both formats reserve this budget: V1 writes its
// records inside it, while V2 writes only its version field there and starts
// its interleaved record-and-payload stream right after it, inside the
// partition's DataSize budget.
func MaxMetadataBytes() uint32 {
	return versionSizeBytes + MaxFrames*MetadataV1Bytes
}

// DetectFormat reads the 4-byte little-endian format version written at
// dataOffset and returns it, or an error if unsupported.
func DetectFormat(buf []byte, dataOffset uint32) (Format, error) {
	if uint64(dataOffset)+versionSizeBytes > uint64(len(buf)) {
		return 0, fmt.Errorf("shm: dataOffset %d out of range (buf len %d)", dataOffset, len(buf))
	}
	v := binary.LittleEndian.Uint32(buf[dataOffset : dataOffset+versionSizeBytes])
	switch Format(v) {
	case FormatV1, FormatV2:
		return Format(v), nil
	default:
		return 0, fmt.Errorf("shm: unsupported format version %d", v)
	}
}

// MetadataOffset returns the byte offset, within buf, at which the
// version-specific metadata records begin, given dataOffset (the start of
// the version field) and the detected format — ported directly from
// DataReaderFactory.cpp's createDataReader dispatch: V1's records start
// immediately after the version field, V2's start after the full
// MaxMetadataBytes budget (so V1 and V2 partitions of the same nominal size
// are interchangeable at the partition-layout level).
func MetadataOffset(dataOffset uint32, format Format) uint32 {
	switch format {
	case FormatV1:
		return dataOffset + versionSizeBytes
	case FormatV2:
		return dataOffset + MaxMetadataBytes()
	default:
		return 0
	}
}

// ReadFrames reads exactly numFrames frame metadata records (of the detected
// format) starting at dataOffset within buf and returns them; running out of
// buffer before numFrames records is an error. The sample payload bytes each
// record references (by Offset/Length into the mapped region) are not
// returned: the caller resolves them via Region.Slice. ReadFrames itself
// only decodes metadata.
//
// On a V2 parse failure, ReadFrames returns an empty slice and the error,
// discarding the entire batch — matching DataReaderV2.cpp's behavior when
// MediaSegmentMetadata::ParseFromArray fails.
func ReadFrames(buf []byte, dataOffset uint32, numFrames int) ([]FrameMetadataV1, []FrameMetadataV2, Format, error) {
	format, err := DetectFormat(buf, dataOffset)
	if err != nil {
		return nil, nil, 0, err
	}
	off := MetadataOffset(dataOffset, format)
	switch format {
	case FormatV1:
		frames := make([]FrameMetadataV1, 0, numFrames)
		for i := 0; i < numFrames; i++ {
			if uint64(off)+MetadataV1Bytes > uint64(len(buf)) {
				return nil, nil, format, fmt.Errorf("shm: truncated V1 metadata at frame %d", i)
			}
			m, err := DecodeFrameMetadataV1(buf[off : off+MetadataV1Bytes])
			if err != nil {
				return nil, nil, format, err
			}
			frames = append(frames, m)
			off += MetadataV1Bytes
		}
		return frames, nil, format, nil
	case FormatV2:
		frames := make([]FrameMetadataV2, 0, numFrames)
		for i := 0; i < numFrames; i++ {
			if uint64(off)+4 > uint64(len(buf)) {
				return nil, nil, format, fmt.Errorf("shm: truncated V2 metadata at frame %d", i)
			}
			m, n, err := DecodeFrameMetadataV2(buf[off:])
			if err != nil {
				return nil, nil, format, err
			}
			frames = append(frames, m)
			// n covers only the 4-byte length prefix plus the metadata
			// record itself (frame_v2.go's DecodeFrameMetadataV2 never
			// includes m.Length); WriterV2 advances one cursor across
			// record-then-payload (writer.go's WriteFrame), so the payload
			// bytes must be skipped here too before the next frame's length
			// prefix is read.
			off += uint32(n) + m.Length
		}
		return nil, frames, format, nil
	default:
		return nil, nil, 0, fmt.Errorf("shm: unsupported format %d", format)
	}
}
