package mediapipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rialto-go/rialto/internal/keyidmap"
	"github.com/rialto-go/rialto/pkg/ipc"
	"github.com/rialto-go/rialto/pkg/shm"
)

// AppState mirrors the process-wide application lifecycle
// (INACTIVE/RUNNING/UNKNOWN) that the owning control client reports in,
// distinct from SessionServerManager's server-process state machine
// (spec.md glossary).
type AppState int

const (
	AppUnknown AppState = iota
	AppInactive
	AppRunning
)

var (
	ErrNoPendingRequest = errors.New("mediapipeline: addSegment for unknown/completed request")
	ErrStateRejected    = errors.New("mediapipeline: operation rejected by current playback state")
	ErrCapacity         = errors.New("mediapipeline: frame writer has no room (NO_SPACE)")
)

// MediaSegment is one client-submitted sample (audio, video or subtitle)
// awaiting delivery to the server over the shared-memory sample-data plane.
type MediaSegment struct {
	StreamID       uint32
	TimePositionNS int64
	DurationNS     int64
	Payload        []byte
	KeySessionID   []byte // non-nil when this segment is encrypted
	KeyID          []byte

	// Audio/video shape, forwarded into the frame metadata verbatim.
	SampleRate *uint32
	Channels   *uint32
	Width      *uint32
	Height     *uint32
}

// Session is MediaPipelineSession: it owns the attached-source table, the
// request_id-keyed in-flight need-data correlation table, the playback
// state machine, and the application-state mirror; it drives the RPC calls
// (attachSource/removeSource/haveData/setPosition/flush) over an
// ipc.Channel and writes sample data through shm.Region via the lazily
// created per-request FrameWriter.
type Session struct {
	SessionID uint64

	channel *ipc.Channel
	region  *shm.Region
	format  shm.Format
	logger  *slog.Logger

	muState sync.Mutex
	state   PlaybackState

	muSources  sync.Mutex
	condAttach *sync.Cond
	attaching  bool
	sources    map[SourceID]*Source
	nextID     SourceID

	muNeedData sync.Mutex
	needData   map[uint64]*NeedDataRequest

	muApp sync.Mutex
	app   AppState
}

// NewSession constructs a Session bound to channel and region, using format
// for any FrameWriter it lazily creates. format is the producer's choice
// (spec.md §4.5: "Versioning is selected by the producer").
func NewSession(sessionID uint64, channel *ipc.Channel, region *shm.Region, format shm.Format, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		SessionID: sessionID,
		channel:   channel,
		region:    region,
		format:    format,
		logger:    logger.With("service", "[SESSION]"),
		state:     StateIdle,
		sources:   make(map[SourceID]*Source),
		needData:  make(map[uint64]*NeedDataRequest),
	}
	s.condAttach = sync.NewCond(&s.muSources)
	return s
}

// State returns the current playback state.
func (s *Session) State() PlaybackState {
	s.muState.Lock()
	defer s.muState.Unlock()
	return s.state
}

func (s *Session) setState(next PlaybackState) {
	s.muState.Lock()
	prev := s.state
	s.state = next
	s.muState.Unlock()
	if prev != next {
		s.logger.Debug("playback state transition", "from", prev, "to", next)
	}
}

// ApplyNetworkEvent applies one server NetworkState notification to the
// state machine, per spec.md §4.6's table.
func (s *Session) ApplyNetworkEvent(ev NetworkEvent) {
	s.setState(applyNetworkEvent(ev))
}

// ApplyPlaybackEvent applies one server PlaybackState notification to the
// state machine, per spec.md §4.6's table.
func (s *Session) ApplyPlaybackEvent(ev PlaybackEvent) {
	s.setState(applyPlaybackEvent(ev))
}

// Stop applies the stop() call's "any -> IDLE" transition.
func (s *Session) Stop(ctx context.Context) error {
	if _, err := s.channel.Call(ctx, "stop", nil); err != nil {
		return fmt.Errorf("mediapipeline: stop: %w", err)
	}
	s.setState(StateIdle)
	return nil
}

// NotifySourceFlushed clears id's flushing flag and, per spec.md §4.6's
// table, atomically moves END_OF_STREAM -> BUFFERING (any other state is
// left unchanged).
func (s *Session) NotifySourceFlushed(id SourceID) {
	s.muSources.Lock()
	if src, ok := s.sources[id]; ok {
		src.flushing = false
	}
	s.muSources.Unlock()

	s.muState.Lock()
	if s.state == StateEndOfStream {
		s.state = StateBuffering
	}
	s.muState.Unlock()
}

// SetApplicationState updates the session's view of the owning
// application's process-wide lifecycle. Leaving RUNNING clears the entire
// pending-need map immediately, under the need-data lock, so in-flight
// writes never touch shm about to be unmapped (spec.md §4.6
// notifyApplicationState).
func (s *Session) SetApplicationState(next AppState) {
	s.muApp.Lock()
	prev := s.app
	s.app = next
	s.muApp.Unlock()

	if prev == AppRunning && next != AppRunning {
		s.muNeedData.Lock()
		s.needData = make(map[uint64]*NeedDataRequest)
		s.muNeedData.Unlock()
	}
}

func (s *Session) isApplicationRunning() bool {
	s.muApp.Lock()
	defer s.muApp.Unlock()
	return s.app == AppRunning
}

// AttachSource registers src with the server under the attaching_source
// gate described in spec.md §4.6: attaching is raised before the RPC and
// only cleared (and the condition broadcast) once the call — success or
// failure — has completed, so a concurrent NotifyNeedMediaData never races
// a source being added.
func (s *Session) AttachSource(ctx context.Context, src Source) (SourceID, error) {
	s.muSources.Lock()
	s.attaching = true
	s.nextID++
	id := s.nextID
	s.muSources.Unlock()

	src.ID = id
	payload := encodeAttachSource(src)
	_, err := s.channel.Call(ctx, "attachSource", payload)

	s.muSources.Lock()
	if err == nil {
		s.sources[id] = &src
	}
	s.attaching = false
	s.condAttach.Broadcast()
	s.muSources.Unlock()

	if err != nil {
		return 0, fmt.Errorf("mediapipeline: attachSource: %w", err)
	}
	return id, nil
}

// RemoveSource tells the server to detach id and drops all local state for
// it, including any in-flight need-data requests — a removed source can no
// longer be the target of a NeedData/HaveData exchange.
func (s *Session) RemoveSource(ctx context.Context, id SourceID) error {
	s.muSources.Lock()
	_, ok := s.sources[id]
	if ok {
		delete(s.sources, id)
	}
	s.muSources.Unlock()
	if !ok {
		return ErrUnknownSource
	}

	if _, err := s.channel.Call(ctx, "removeSource", encodeSourceID(id)); err != nil {
		return fmt.Errorf("mediapipeline: removeSource: %w", err)
	}

	s.muNeedData.Lock()
	for rid, req := range s.needData {
		if req.SourceID == id {
			delete(s.needData, rid)
		}
	}
	s.muNeedData.Unlock()
	return nil
}

func (s *Session) sourceInfo(id SourceID) (Source, bool) {
	s.muSources.Lock()
	defer s.muSources.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// NotifyNeedMediaData handles a server-issued NeedData event. The check
// order matches spec.md §4.6 exactly:
//  1. wait until attaching_source is false, so NeedData never races an
//     in-flight AttachSource.
//  2. an unknown source, or one currently flushing, is ignored without a
//     reply.
//  3. a state outside {BUFFERING, PLAYING} is ignored (SEEKING silently,
//     any other logged).
//  4. an inactive application is ignored.
//
// Only once all four checks pass is the request recorded and handed to
// onNeedData.
func (s *Session) NotifyNeedMediaData(ctx context.Context, req NeedDataRequest, onNeedData func(NeedDataRequest)) {
	s.muSources.Lock()
	for s.attaching {
		s.condAttach.Wait()
	}
	src, known := s.sources[req.SourceID]
	flushing := known && src.flushing
	s.muSources.Unlock()

	if !known {
		s.logger.Warn("needMediaData for unknown source", "source", req.SourceID)
		return
	}
	if flushing {
		s.logger.Debug("ignoring needMediaData while flushing", "source", req.SourceID)
		return
	}

	state := s.State()
	switch state {
	case StateBuffering, StatePlaying:
		// proceed
	case StateSeeking:
		return
	default:
		s.logger.Debug("ignoring needMediaData outside BUFFERING/PLAYING", "state", state)
		return
	}

	if !s.isApplicationRunning() {
		s.logger.Debug("ignoring needMediaData while application not RUNNING", "source", req.SourceID)
		return
	}

	s.muNeedData.Lock()
	s.needData[req.RequestID] = &req
	s.muNeedData.Unlock()

	onNeedData(req)
}

// AddSegment appends seg to the batch being written for the pending
// need-data request req identified by requestID. The FrameWriter is
// lazily created on the first segment, using the request's shm partition
// and the session's configured format. For encrypted segments whose key id
// is empty, the process-wide KeyId map is consulted (read-only) to resolve
// the key id the server-side CDM expects.
func (s *Session) AddSegment(requestID uint64, seg MediaSegment) error {
	s.muNeedData.Lock()
	req, ok := s.needData[requestID]
	s.muNeedData.Unlock()
	if !ok {
		return ErrNoPendingRequest
	}

	s.muSources.Lock()
	src, known := s.sources[req.SourceID]
	flushing := known && src.flushing
	s.muSources.Unlock()
	if flushing {
		// Benign drop: the source is flushing, the batch is being
		// discarded anyway.
		return nil
	}

	if seg.KeySessionID != nil && len(seg.KeyID) == 0 {
		if kid, found := keyidmap.Instance().Lookup(string(seg.KeySessionID)); found {
			seg.KeyID = kid
		} else {
			s.logger.Debug("key id not yet registered, queuing segment anyway", "source", req.SourceID)
		}
	}

	status, err := s.writeSegment(req, seg)
	if err != nil {
		return fmt.Errorf("mediapipeline: addSegment: %w", err)
	}
	if status == shm.StatusNoSpace {
		return ErrCapacity
	}
	if status == shm.StatusError {
		return fmt.Errorf("mediapipeline: addSegment: %s", status)
	}
	return nil
}

func (s *Session) writeSegment(req *NeedDataRequest, seg MediaSegment) (shm.Status, error) {
	switch s.format {
	case shm.FormatV1:
		if req.writerV1 == nil {
			w, err := shm.NewWriterV1(s.region, req.Partition)
			if err != nil {
				return shm.StatusError, err
			}
			req.writerV1 = w
		}
		meta := shm.FrameMetadataV1{
			TimePosition:   seg.TimePositionNS,
			SampleDuration: seg.DurationNS,
			StreamID:       seg.StreamID,
		}
		if seg.SampleRate != nil {
			meta.Extra1 = *seg.SampleRate
		}
		if seg.Channels != nil {
			meta.Extra2 = *seg.Channels
		}
		if seg.Width != nil {
			meta.Extra1 = *seg.Width
		}
		if seg.Height != nil {
			meta.Extra2 = *seg.Height
		}
		return req.writerV1.WriteFrame(meta, seg.Payload)
	case shm.FormatV2:
		if req.writerV2 == nil {
			w, err := shm.NewWriterV2(s.region, req.Partition)
			if err != nil {
				return shm.StatusError, err
			}
			req.writerV2 = w
		}
		meta := shm.FrameMetadataV2{
			StreamID:       seg.StreamID,
			TimePosition:   seg.TimePositionNS,
			SampleDuration: seg.DurationNS,
			SampleRate:     seg.SampleRate,
			Channels:       seg.Channels,
			Width:          seg.Width,
			Height:         seg.Height,
			KeyID:          seg.KeyID,
			MediaKeySessionID: seg.KeySessionID,
		}
		return req.writerV2.WriteFrame(meta, seg.Payload)
	default:
		return shm.StatusError, fmt.Errorf("mediapipeline: unsupported shm format %d", s.format)
	}
}

// HaveData answers the server for requestID, state-gated exactly as
// spec.md §4.6 describes:
//   - in {BUFFERING, PLAYING}: look up the request (it may already have
//     been cancelled); if present, send HaveData with the writer's actual
//     frame count and erase the entry; if missing, the data is benignly
//     ignored.
//   - in SEEKING: discard without sending.
//   - elsewhere: discard and return failure.
func (s *Session) HaveData(ctx context.Context, requestID uint64, status shm.Status) error {
	state := s.State()
	switch state {
	case StateBuffering, StatePlaying:
		s.muNeedData.Lock()
		req, ok := s.needData[requestID]
		if ok {
			delete(s.needData, requestID)
		}
		s.muNeedData.Unlock()
		if !ok {
			return nil
		}
		numFrames := numFramesWritten(req)
		payload := encodeHaveData(requestID, numFrames, status)
		if _, err := s.channel.Call(ctx, "haveData", payload); err != nil {
			return fmt.Errorf("mediapipeline: haveData: %w", err)
		}
		return nil
	case StateSeeking:
		s.muNeedData.Lock()
		delete(s.needData, requestID)
		s.muNeedData.Unlock()
		return nil
	default:
		s.muNeedData.Lock()
		delete(s.needData, requestID)
		s.muNeedData.Unlock()
		return fmt.Errorf("%w: haveData in state %s", ErrStateRejected, state)
	}
}

func numFramesWritten(req *NeedDataRequest) int {
	switch {
	case req.writerV1 != nil:
		return req.writerV1.NumFrames()
	case req.writerV2 != nil:
		return req.writerV2.NumFrames()
	default:
		return 0
	}
}

// SetPosition issues a seek: rejected outright in {IDLE, FAILURE}
// (spec.md §4.6); otherwise every pending NeedDataRequest is invalidated
// (old requests do not survive a seek) before the RPC is forwarded.
func (s *Session) SetPosition(ctx context.Context, positionNS int64) error {
	state := s.State()
	if state == StateIdle || state == StateFailure {
		return fmt.Errorf("%w: setPosition in state %s", ErrStateRejected, state)
	}

	s.muNeedData.Lock()
	s.needData = make(map[uint64]*NeedDataRequest)
	s.muNeedData.Unlock()

	if _, err := s.channel.Call(ctx, "setPosition", encodePosition(positionNS)); err != nil {
		return fmt.Errorf("mediapipeline: setPosition: %w", err)
	}
	return nil
}

// Flush sends the flush RPC for id; on success it marks the source flushing
// and erases every pending NeedDataRequest on that source — in that order,
// matching spec.md §4.6: the RPC happens first so the server reacts before
// local bookkeeping changes, then flushing is raised so a racing NeedData
// is ignored, then the stale request is erased so a subsequent NeedData
// starts clean.
func (s *Session) Flush(ctx context.Context, id SourceID, resetTime bool) error {
	if _, ok := s.sourceInfo(id); !ok {
		return ErrUnknownSource
	}
	if _, err := s.channel.Call(ctx, "flush", encodeFlush(id, resetTime)); err != nil {
		return fmt.Errorf("mediapipeline: flush: %w", err)
	}

	s.muSources.Lock()
	if src, ok := s.sources[id]; ok {
		src.flushing = true
	}
	s.muSources.Unlock()

	s.muNeedData.Lock()
	for rid, req := range s.needData {
		if req.SourceID == id {
			delete(s.needData, rid)
		}
	}
	s.muNeedData.Unlock()
	return nil
}

func encodeSourceID(id SourceID) []byte {
	return []byte(fmt.Sprintf("%d", id))
}

func encodeAttachSource(src Source) []byte {
	return []byte(fmt.Sprintf("%d:%d:%s", src.ID, src.Type, src.MimeType))
}

func encodePosition(positionNS int64) []byte {
	return []byte(fmt.Sprintf("%d", positionNS))
}

func encodeFlush(id SourceID, resetTime bool) []byte {
	return []byte(fmt.Sprintf("%d:%t", id, resetTime))
}

func encodeHaveData(requestID uint64, numFrames int, status shm.Status) []byte {
	return []byte(fmt.Sprintf("%d:%d:%s", requestID, numFrames, status))
}
