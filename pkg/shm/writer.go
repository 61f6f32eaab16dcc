package shm

import "errors"

// Status is the writeFrame outcome from spec.md §4.5: "Writer output to the
// server: writeFrame returns OK | NO_SPACE | ERROR."
type Status int

const (
	StatusOK Status = iota
	StatusNoSpace
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoSpace:
		return "NO_SPACE"
	default:
		return "ERROR"
	}
}

var ErrWriterClosed = errors.New("shm: writer already finalized")

// WriterV1 writes frames of the fixed-layout V1 format into one partition,
// one NeedData batch at a time: the version field once, then up to
// MaxFrames fixed 104-byte records at metadata_offset+4+i*104, with payload
// bytes appended sequentially into the media region. Grounded on
// original_source's DataWriterV1.cpp frame-by-frame append behavior.
type WriterV1 struct {
	region     *Region
	partition  Partition
	metaBase   uint32
	mediaBase  uint32
	frameCount int
	mediaUsed  uint32
}

// NewWriterV1 creates a V1 writer over partition and writes the leading
// version field.
func NewWriterV1(region *Region, partition Partition) (*WriterV1, error) {
	metaBase := partition.DataOffset
	mediaBase := partition.SampleDataOffset(FormatV1)
	verBuf, err := region.Slice(metaBase, versionSizeBytes)
	if err != nil {
		return nil, err
	}
	putU32LE(verBuf, uint32(FormatV1))
	return &WriterV1{region: region, partition: partition, metaBase: metaBase, mediaBase: mediaBase}, nil
}

// WriteFrame appends one frame: payload into the media region, then the
// fixed metadata record (with Offset/Length filled in relative to the
// mapped region) into the next metadata slot. Returns NO_SPACE if either the
// frame-count bound (MaxFrames) or the media-region budget is exceeded.
func (w *WriterV1) WriteFrame(meta FrameMetadataV1, payload []byte) (Status, error) {
	if w.frameCount >= MaxFrames {
		return StatusNoSpace, nil
	}
	if uint64(w.mediaUsed)+uint64(len(payload)) > uint64(w.partition.DataSize) {
		return StatusNoSpace, nil
	}
	payloadOffset := w.mediaBase + w.mediaUsed
	dst, err := w.region.Slice(payloadOffset, uint32(len(payload)))
	if err != nil {
		return StatusError, err
	}
	copy(dst, payload)

	meta.Offset = payloadOffset
	meta.Length = uint32(len(payload))
	recOffset := w.metaBase + versionSizeBytes + uint32(w.frameCount)*MetadataV1Bytes
	rec, err := w.region.Slice(recOffset, MetadataV1Bytes)
	if err != nil {
		return StatusError, err
	}
	if err := meta.Encode(rec); err != nil {
		return StatusError, err
	}

	w.mediaUsed += uint32(len(payload))
	w.frameCount++
	return StatusOK, nil
}

// NumFrames returns the count of frames successfully written so far, the
// value MediaPipelineSession.haveData reports back to the server.
func (w *WriterV1) NumFrames() int { return w.frameCount }

// WriterV2 writes frames of the self-describing V2 format: the version
// field once, then a single interleaved stream of `length-prefixed record |
// payload` pairs starting at metadata_region_base + max_metadata_bytes,
// exactly spec.md §6's V2 shm layout (record and payload share one
// advancing cursor, unlike V1's separate fixed-slot metadata region and
// free-form media region).
type WriterV2 struct {
	region     *Region
	partition  Partition
	streamBase uint32
	cursor     uint32
	frameCount int
}

// NewWriterV2 creates a V2 writer over partition and writes the leading
// version field.
func NewWriterV2(region *Region, partition Partition) (*WriterV2, error) {
	verBuf, err := region.Slice(partition.DataOffset, versionSizeBytes)
	if err != nil {
		return nil, err
	}
	putU32LE(verBuf, uint32(FormatV2))
	streamBase := partition.SampleDataOffset(FormatV2)
	return &WriterV2{
		region:     region,
		partition:  partition,
		streamBase: streamBase,
		cursor:     streamBase,
	}, nil
}

// WriteFrame appends one frame: the encoded self-describing record
// immediately followed by the payload bytes, at the writer's current stream
// cursor. NO_SPACE is returned if either MaxFrames or the partition's byte
// budget would be exceeded.
func (w *WriterV2) WriteFrame(meta FrameMetadataV2, payload []byte) (Status, error) {
	if w.frameCount >= MaxFrames {
		return StatusNoSpace, nil
	}
	meta.Length = uint32(len(payload))

	// Offset is baked into the encoded record, so encode once to learn the
	// record's size, fill in Offset, then encode again.
	rec, err := meta.Encode()
	if err != nil {
		return StatusError, err
	}
	payloadOffset := w.cursor + uint32(len(rec))
	meta.Offset = payloadOffset

	rec, err = meta.Encode()
	if err != nil {
		return StatusError, err
	}

	end := uint64(payloadOffset) + uint64(len(payload))
	limit := uint64(w.streamBase) + uint64(w.partition.DataSize)
	if end > limit {
		return StatusNoSpace, nil
	}

	dstMeta, err := w.region.Slice(w.cursor, uint32(len(rec)))
	if err != nil {
		return StatusError, err
	}
	copy(dstMeta, rec)

	dstPayload, err := w.region.Slice(payloadOffset, uint32(len(payload)))
	if err != nil {
		return StatusError, err
	}
	copy(dstPayload, payload)

	w.cursor = payloadOffset + uint32(len(payload))
	w.frameCount++
	return StatusOK, nil
}

// NumFrames returns the count of frames successfully written so far.
func (w *WriterV2) NumFrames() int { return w.frameCount }

func putU32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
