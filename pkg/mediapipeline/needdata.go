package mediapipeline

import "github.com/rialto-go/rialto/pkg/shm"

// NeedDataRequest is the unit of transfer for the NeedData/HaveData
// handshake (spec.md §3.1): created on a server NeedData event, erased on
// HaveData, on flush of its source, on seek, on discard, or on app-state
// leaving RUNNING.
type NeedDataRequest struct {
	RequestID  uint64
	SourceID   SourceID
	FrameCount uint32
	Partition  shm.Partition

	writerV1 *shm.WriterV1
	writerV2 *shm.WriterV2
}
