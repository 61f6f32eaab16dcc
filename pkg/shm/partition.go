package shm

// Partition describes the layout of one ShmPartition: a metadata region
// (holding the format version plus up to MaxFrames frame records) followed
// by a sample-data region holding the raw payload bytes each record's
// Offset/Length point into.
type Partition struct {
	DataOffset uint32 // start of the version field
	DataSize   uint32 // total bytes available for sample payloads
}

// SampleDataOffset returns the byte offset at which raw sample payloads
// begin: immediately after the partition's fixed-size metadata budget
// (MaxMetadataBytes), regardless of format — both V1's fixed MaxFrames
// record array and V2's variable-length interleaved stream reserve the same
// budget, which is what makes V1 and V2 partitions of the same nominal size
// interchangeable. This is distinct from MetadataOffset, which is where a
// format's own records begin (for V1, right after the version field — a
// position inside this same reserved budget; for V2, the same point as
// SampleDataOffset, since V2 interleaves records and payloads in the
// remaining space).
func (p Partition) SampleDataOffset(format Format) uint32 {
	return p.DataOffset + MaxMetadataBytes()
}

// TotalSize returns the minimum mapped region size needed to hold this
// partition's metadata plus its sample-data budget, for the given format.
func (p Partition) TotalSize(format Format) uint32 {
	return p.SampleDataOffset(format) + p.DataSize
}
