package ipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rialto-go/rialto/internal/transport/looptransport"
	"github.com/rialto-go/rialto/pkg/rpc"
)

func TestCallFromOrdinaryGoroutineUsesSemaphoreClosure(t *testing.T) {
	client, server := looptransport.Pair()
	defer client.Close()
	defer server.Close()

	channel := NewChannel(client, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.RunLoop(ctx)

	go func() {
		m, err := rpc.ReadFrame(server)
		if err != nil {
			return
		}
		resp, err := rpc.Encode(rpc.Message{ID: m.ID, Kind: rpc.KindResponse, Verb: m.Verb})
		if err != nil {
			return
		}
		_, _ = server.Write(resp)
	}()

	resp, err := channel.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	require.Equal(t, rpc.Verb("ping"), resp.Verb)
}

// TestCallFromEventLoopUsesPollClosure exercises the nested-call shape a
// needMediaData event handler uses in production: the handler runs on the
// event-loop goroutine (via withLoop in dispatchEvent) and issues its own
// Call, which must drive the channel's own process() loop rather than block
// on a channel the loop itself would have to service.
func TestCallFromEventLoopUsesPollClosure(t *testing.T) {
	client, server := looptransport.Pair()
	defer client.Close()
	defer server.Close()

	channel := NewChannel(client, nil)

	go func() {
		for {
			m, err := rpc.ReadFrame(server)
			if err != nil {
				return
			}
			resp, err := rpc.Encode(rpc.Message{ID: m.ID, Kind: rpc.KindResponse, Verb: m.Verb})
			if err != nil {
				return
			}
			if _, err := server.Write(resp); err != nil {
				return
			}
		}
	}()

	done := make(chan rpc.Message, 1)
	cancelSub := channel.Subscribe("needMediaData", func(ctx context.Context, m rpc.Message) {
		resp, err := channel.Call(ctx, "haveData", nil)
		if err == nil {
			done <- resp
		}
	})
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.RunLoop(ctx)

	ev, err := rpc.Encode(rpc.Message{ID: 1, Kind: rpc.KindEvent, Verb: "needMediaData"})
	require.NoError(t, err)
	_, err = server.Write(ev)
	require.NoError(t, err)

	select {
	case resp := <-done:
		require.Equal(t, rpc.Verb("haveData"), resp.Verb)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for nested call from event handler")
	}
}

func TestCallFailsWhenChannelClosed(t *testing.T) {
	client, server := looptransport.Pair()
	defer server.Close()

	channel := NewChannel(client, nil)
	require.NoError(t, channel.Close())

	_, err := channel.Call(context.Background(), "ping", nil)
	require.ErrorIs(t, err, ErrChannelClosed)
}
