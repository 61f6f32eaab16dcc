// Package mediapipeline implements the client-side MediaPipelineSession
// state machine (spec.md §4.6, "the hardest part"): the playback-state
// machine driven by server PlaybackState/NetworkState notifications, the
// request_id-keyed NeedData/HaveData correlation table, attached-source
// bookkeeping with per-source flushing flags, and the attach-source
// condition that serializes adds against an in-flight attachSource call.
//
// Ported from original_source/media/client/main/source/MediaPipeline.cpp,
// whose lock-acquisition ordering and per-branch return semantics this
// package preserves: the sources table and the need-data table are guarded
// by separate mutexes (muSources, muNeedData) exactly as the two-lock
// separation used throughout the corpus (e.g. shm.Region's muBuf/muClients,
// the teacher's per-entry mutex kept separate from the consumer-wide
// mutex).
package mediapipeline

import "fmt"

// SourceType identifies the media type of an attached source.
type SourceType int

const (
	SourceUnknown SourceType = iota
	SourceAudio
	SourceVideo
	SourceVideoDolbyVision
	SourceSubtitle
)

// SourceID identifies one attached source within a session. Session assigns
// it itself, counting up from 1, before sending the AttachSource RPC, and
// keeps it only if the RPC succeeds; the server's reply is not read for an
// id.
type SourceID uint32

// Source describes one attached media source.
type Source struct {
	ID         SourceID
	Type       SourceType
	MimeType   string
	HasDRM     bool
	KeySession []byte // present when segments on this source are encrypted

	flushing bool
}

var (
	ErrUnknownSource         = fmt.Errorf("mediapipeline: unknown source id")
	ErrSourceAlreadyAttached = fmt.Errorf("mediapipeline: source already attached")
)
