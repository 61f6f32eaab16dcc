package mediapipeline

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rialto-go/rialto/internal/transport/looptransport"
	"github.com/rialto-go/rialto/pkg/ipc"
	"github.com/rialto-go/rialto/pkg/rpc"
	"github.com/rialto-go/rialto/pkg/shm"
)

// echoServer replies to every request with an empty KindResponse carrying
// the same id, just enough to unblock Channel.Call in these tests.
func echoServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		for {
			m, err := rpc.ReadFrame(conn)
			if err != nil {
				return
			}
			resp, err := rpc.Encode(rpc.Message{ID: m.ID, Kind: rpc.KindResponse, Verb: m.Verb})
			if err != nil {
				return
			}
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}()
}

func newTestSession(t *testing.T) (*Session, func()) {
	sess, _, done := newTestSessionWithFormat(t, shm.FormatV1, nil)
	return sess, done
}

// newTestSessionWithFormat additionally maps a real temp-file-backed shm
// region of regionSize bytes (nil picks a generous default), so tests can
// exercise AddSegment's FrameWriter path end to end.
func newTestSessionWithFormat(t *testing.T, format shm.Format, regionSize *int) (*Session, *shm.Region, func()) {
	t.Helper()
	clientConn, serverConn := looptransport.Pair()
	echoServer(t, serverConn)

	channel := ipc.NewChannel(clientConn, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go channel.RunLoop(ctx)

	region := shm.NewRegion()
	size := 1 << 20
	if regionSize != nil {
		size = *regionSize
	}
	f, err := os.CreateTemp(t.TempDir(), "rialto-session-shm-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { _ = f.Close() })
	require.NoError(t, region.Map(int(f.Fd()), size))

	sess := NewSession(1, channel, region, format, nil)
	return sess, region, func() {
		cancel()
		_ = channel.Close()
		_ = serverConn.Close()
		_ = region.Unmap()
	}
}

func TestAttachAndRemoveSource(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	ctx := context.Background()

	id, err := sess.AttachSource(ctx, Source{Type: SourceAudio, MimeType: "audio/mp4"})
	require.NoError(t, err)
	require.NotZero(t, id)

	_, ok := sess.sourceInfo(id)
	require.True(t, ok)

	require.NoError(t, sess.RemoveSource(ctx, id))
	_, ok = sess.sourceInfo(id)
	require.False(t, ok)

	require.ErrorIs(t, sess.RemoveSource(ctx, id), ErrUnknownSource)
}

func TestNeedDataKeyedByRequestID(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	ctx := context.Background()
	sess.SetApplicationState(AppRunning)

	id, err := sess.AttachSource(ctx, Source{Type: SourceAudio})
	require.NoError(t, err)
	sess.setState(StateBuffering)

	var got []NeedDataRequest
	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 1, SourceID: id, FrameCount: 1}, func(r NeedDataRequest) {
		got = append(got, r)
	})
	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 2, SourceID: id, FrameCount: 1}, func(r NeedDataRequest) {
		got = append(got, r)
	})

	require.Len(t, got, 2)
	sess.muNeedData.Lock()
	require.Len(t, sess.needData, 2)
	_, ok1 := sess.needData[1]
	_, ok2 := sess.needData[2]
	sess.muNeedData.Unlock()
	require.True(t, ok1)
	require.True(t, ok2)

	require.NoError(t, sess.HaveData(ctx, 1, shm.StatusOK))
	sess.muNeedData.Lock()
	_, stillThere := sess.needData[1]
	_, other := sess.needData[2]
	sess.muNeedData.Unlock()
	require.False(t, stillThere)
	require.True(t, other)
}

func TestNeedDataIgnoredForUnknownSource(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	sess.SetApplicationState(AppRunning)
	sess.setState(StateBuffering)

	called := false
	sess.NotifyNeedMediaData(context.Background(), NeedDataRequest{RequestID: 1, SourceID: 99}, func(NeedDataRequest) {
		called = true
	})
	require.False(t, called)
}

func TestFlushInvalidatesOnlyItsSource(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	ctx := context.Background()
	sess.SetApplicationState(AppRunning)

	a, err := sess.AttachSource(ctx, Source{Type: SourceAudio})
	require.NoError(t, err)
	v, err := sess.AttachSource(ctx, Source{Type: SourceVideo})
	require.NoError(t, err)
	sess.setState(StateBuffering)

	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 1, SourceID: a}, func(NeedDataRequest) {})
	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 2, SourceID: v}, func(NeedDataRequest) {})

	require.NoError(t, sess.Flush(ctx, a, false))

	sess.muNeedData.Lock()
	_, aGone := sess.needData[1]
	_, vStill := sess.needData[2]
	sess.muNeedData.Unlock()
	require.False(t, aGone)
	require.True(t, vStill)

	src, _ := sess.sourceInfo(a)
	require.True(t, src.flushing)
}

func TestAppStateLeavingRunningClearsNeedData(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	ctx := context.Background()
	sess.SetApplicationState(AppRunning)

	id, err := sess.AttachSource(ctx, Source{Type: SourceAudio})
	require.NoError(t, err)
	sess.setState(StateBuffering)
	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 1, SourceID: id}, func(NeedDataRequest) {})

	sess.muNeedData.Lock()
	require.Len(t, sess.needData, 1)
	sess.muNeedData.Unlock()

	sess.SetApplicationState(AppInactive)

	sess.muNeedData.Lock()
	require.Len(t, sess.needData, 0)
	sess.muNeedData.Unlock()
}

func TestHaveDataRejectedOutsideBufferingPlaying(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	sess.setState(StateIdle)
	err := sess.HaveData(context.Background(), 42, shm.StatusOK)
	require.ErrorIs(t, err, ErrStateRejected)
}

func TestSetPositionRejectedWhenIdleOrFailure(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	sess.setState(StateIdle)
	require.ErrorIs(t, sess.SetPosition(context.Background(), 0), ErrStateRejected)

	sess.setState(StateFailure)
	require.ErrorIs(t, sess.SetPosition(context.Background(), 0), ErrStateRejected)
}

func TestSetPositionInvalidatesPendingRequests(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	ctx := context.Background()
	sess.SetApplicationState(AppRunning)

	id, err := sess.AttachSource(ctx, Source{Type: SourceAudio})
	require.NoError(t, err)
	sess.setState(StateBuffering)
	sess.NotifyNeedMediaData(ctx, NeedDataRequest{RequestID: 1, SourceID: id}, func(NeedDataRequest) {})

	require.NoError(t, sess.SetPosition(ctx, 5_000_000))

	sess.muNeedData.Lock()
	require.Len(t, sess.needData, 0)
	sess.muNeedData.Unlock()
}

// TestAddSegmentHappyPathV2Batch exercises spec.md §8 scenario 1 end to
// end: three audio segments of lengths 100, 150, 80 written via AddSegment
// against a V2 partition produce exactly one HaveData(numFrames=3) once
// HaveData is called, and every frame is independently readable back out of
// shm afterward (guarding against the reader mis-advancing into a prior
// frame's payload on a multi-frame V2 batch).
func TestAddSegmentHappyPathV2Batch(t *testing.T) {
	sess, region, done := newTestSessionWithFormat(t, shm.FormatV2, nil)
	defer done()
	ctx := context.Background()
	sess.SetApplicationState(AppRunning)

	id, err := sess.AttachSource(ctx, Source{Type: SourceAudio, MimeType: "audio/mp4"})
	require.NoError(t, err)
	sess.setState(StatePlaying)

	partition := shm.Partition{DataOffset: 0, DataSize: 4096}
	req := NeedDataRequest{RequestID: 7, SourceID: id, FrameCount: 3, Partition: partition}
	sess.NotifyNeedMediaData(ctx, req, func(NeedDataRequest) {})

	rate := uint32(48000)
	channels := uint32(2)
	lengths := []int{100, 150, 80}
	ptsNS := []int64{0, 20_000_000, 40_000_000}
	payloads := make([][]byte, len(lengths))
	for i, n := range lengths {
		payload := make([]byte, n)
		for j := range payload {
			payload[j] = byte(i*10 + j%7)
		}
		payloads[i] = payload
		err := sess.AddSegment(7, MediaSegment{
			StreamID:       1,
			TimePositionNS: ptsNS[i],
			DurationNS:     20_000_000,
			Payload:        payload,
			SampleRate:     &rate,
			Channels:       &channels,
		})
		require.NoErrorf(t, err, "segment %d", i)
	}

	require.NoError(t, sess.HaveData(ctx, 7, shm.StatusOK))
	sess.muNeedData.Lock()
	_, stillPending := sess.needData[7]
	sess.muNeedData.Unlock()
	require.False(t, stillPending, "HaveData must erase the request")

	buf, err := region.Slice(0, uint32(region.Len()))
	require.NoError(t, err)
	_, v2s, gotFormat, err := shm.ReadFrames(buf, partition.DataOffset, 3)
	require.NoError(t, err)
	require.Equal(t, shm.FormatV2, gotFormat)
	require.Len(t, v2s, 3)
	for i, v2 := range v2s {
		require.EqualValuesf(t, ptsNS[i], v2.TimePosition, "frame %d", i)
		require.EqualValuesf(t, lengths[i], v2.Length, "frame %d", i)
		got, err := region.Slice(v2.Offset, v2.Length)
		require.NoError(t, err)
		require.Equalf(t, payloads[i], got, "frame %d payload", i)
	}
}

func TestNotifySourceFlushedMovesEndOfStreamToBuffering(t *testing.T) {
	sess, done := newTestSession(t)
	defer done()
	sess.setState(StateEndOfStream)
	sess.NotifySourceFlushed(1)
	require.Equal(t, StateBuffering, sess.State())
}
