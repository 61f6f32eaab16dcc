package control

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rialto-go/rialto/internal/transport/looptransport"
	"github.com/rialto-go/rialto/pkg/ipc"
	"github.com/rialto-go/rialto/pkg/mediapipeline"
	"github.com/rialto-go/rialto/pkg/rpc"
	"github.com/rialto-go/rialto/pkg/shm"
)

type fakeObserver struct {
	seen []mediapipeline.AppState
}

func (f *fakeObserver) SetApplicationState(next mediapipeline.AppState) {
	f.seen = append(f.seen, next)
}

func newTestClient(t *testing.T) (*Client, func()) {
	t.Helper()
	clientConn, serverConn := looptransport.Pair()

	go func() {
		for {
			m, err := rpc.ReadFrame(serverConn)
			if err != nil {
				return
			}
			resp, err := rpc.Encode(rpc.Message{ID: m.ID, Kind: rpc.KindResponse, Verb: m.Verb})
			if err != nil {
				return
			}
			if _, err := serverConn.Write(resp); err != nil {
				return
			}
		}
	}()

	channel := ipc.NewChannel(clientConn, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go channel.RunLoop(ctx)

	c := NewClient(channel, nil)
	return c, func() {
		cancel()
		_ = channel.Close()
		_ = serverConn.Close()
	}
}

func TestRegisterObserverDeliversCurrentStateImmediately(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	require.NoError(t, c.SetApplicationState(context.Background(), mediapipeline.AppRunning))

	obs := &fakeObserver{}
	c.RegisterObserver(obs)
	require.Equal(t, []mediapipeline.AppState{mediapipeline.AppRunning}, obs.seen)
}

func TestSetApplicationStateFansOutToAllObservers(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	a, b := &fakeObserver{}, &fakeObserver{}
	c.RegisterObserver(a)
	c.RegisterObserver(b)

	require.NoError(t, c.SetApplicationState(context.Background(), mediapipeline.AppInactive))
	require.Equal(t, mediapipeline.AppInactive, c.State())
	require.Contains(t, a.seen, mediapipeline.AppInactive)
	require.Contains(t, b.seen, mediapipeline.AppInactive)
}

func TestCancelObserverStopsFutureDelivery(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	obs := &fakeObserver{}
	cancel := c.RegisterObserver(obs)
	cancel()

	require.NoError(t, c.SetApplicationState(context.Background(), mediapipeline.AppRunning))
	require.NotContains(t, obs.seen, mediapipeline.AppRunning)
}

func TestShmObserverMapsOnRunningAndUnmapsOnInactive(t *testing.T) {
	c, done := newTestClient(t)
	defer done()

	f, err := os.CreateTemp(t.TempDir(), "rialto-shm-*")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4096))
	t.Cleanup(func() { _ = f.Close() })

	region := shm.NewRegion()
	observer := &ShmObserver{
		Region: region,
		Acquire: func(ctx context.Context) (int, int, error) {
			return int(f.Fd()), 4096, nil
		},
	}
	cancel := c.RegisterObserver(observer)
	defer cancel()

	require.NoError(t, c.SetApplicationState(context.Background(), mediapipeline.AppRunning))
	require.Equal(t, 4096, region.Len())

	require.NoError(t, c.SetApplicationState(context.Background(), mediapipeline.AppInactive))
	require.Equal(t, 0, region.Len())
}
