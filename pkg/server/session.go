// Package server implements the server-process side of Rialto: the
// per-session service driving the (out-of-scope) decoder pipeline, the
// SessionServerManager process lifecycle state machine, and the two
// RPC-facing servers (ApplicationManagementServer towards the parent
// process, SessionManagementServer towards guest clients).
//
// Grounded on the teacher's nmt.go (state-change callback registry with
// cancel closures, explicit switch-based transition logic) for the
// lifecycle state machines, and pkg/network/network.go's
// parallel-goroutines-over-shared-map pattern for per-session bookkeeping.
package server

import (
	"context"

	"github.com/rialto-go/rialto/pkg/mediapipeline"
)

// PlaybackErrorKind identifies a PlaybackError event's cause, e.g.
// DECRYPTION (spec.md §7).
type PlaybackErrorKind int

const (
	PlaybackErrorUnknown PlaybackErrorKind = iota
	PlaybackErrorDecryption
)

// SessionEvents is the set of outbound, server-initiated notifications a
// ServerSessionService delivers to its owning SessionManagementServer
// connection, per spec.md §4.7's enumerated event list. The concrete
// decoder/renderer pipeline that decides when to fire these is out of
// scope (spec.md §1 Non-goals); this interface is the contract the core
// consumes.
type SessionEvents interface {
	OnPlaybackStateChange(sessionID uint64, ev mediapipeline.PlaybackEvent)
	OnNetworkStateChange(sessionID uint64, ev mediapipeline.NetworkEvent)
	OnPositionChange(sessionID uint64, positionNS int64)
	OnNeedMediaData(sessionID uint64, sourceID mediapipeline.SourceID, requestID uint64, frameCount uint32, partition ShmInfo)
	OnQos(sessionID uint64, sourceID mediapipeline.SourceID)
	OnBufferUnderflow(sessionID uint64, sourceID mediapipeline.SourceID)
	OnPlaybackError(sessionID uint64, sourceID mediapipeline.SourceID, kind PlaybackErrorKind)
	OnSourceFlushed(sessionID uint64, sourceID mediapipeline.SourceID)
}

// ShmInfo is the NeedMediaData event's shmInfo payload (spec.md §4.7):
// the partition layout the client should write its next batch into.
type ShmInfo struct {
	MaxMetadataBytes uint32
	MetadataOffset   uint32
	MediaOffset      uint32
	MaxMediaBytes    uint32
}

// SessionService is ServerSessionService (C7): the per-session server-side
// state plus the decoder pipeline driver, abstract per spec.md §4.7 — this
// core only specifies the inbound RPC surface it must accept and the
// outbound events it must be able to emit (via SessionEvents); the concrete
// decoder/renderer/clock wiring is an external collaborator.
type SessionService interface {
	Load(ctx context.Context, mimeType string) error
	AttachSource(ctx context.Context, src mediapipeline.Source) (mediapipeline.SourceID, error)
	RemoveSource(ctx context.Context, id mediapipeline.SourceID) error
	AllSourcesAttached(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SetPosition(ctx context.Context, positionNS int64) error
	GetPosition(ctx context.Context) (int64, error)
	HaveData(ctx context.Context, status int, numFrames uint32, requestID uint64) error
	SetVideoWindow(ctx context.Context, x, y, width, height int) error
	SetPlaybackRate(ctx context.Context, rate float64) error
	SetVolume(ctx context.Context, volume float64) error
	GetVolume(ctx context.Context) (float64, error)
	SetMute(ctx context.Context, sourceID mediapipeline.SourceID, mute bool) error
	GetMute(ctx context.Context, sourceID mediapipeline.SourceID) (bool, error)
	GetStats(ctx context.Context, sourceID mediapipeline.SourceID) (Stats, error)
	Flush(ctx context.Context, sourceID mediapipeline.SourceID, resetTime bool) error
	SetSourcePosition(ctx context.Context, sourceID mediapipeline.SourceID, positionNS int64) error
	ProcessAudioGap(ctx context.Context, positionNS, durationNS int64) error
	RenderFrame(ctx context.Context) error

	// Destroy releases all server-side resources for this session.
	Destroy(ctx context.Context) error
}

// Stats mirrors GetStats' response shape (spec.md §4.7).
type Stats struct {
	RenderedFrames uint64
	DroppedFrames  uint64
}
