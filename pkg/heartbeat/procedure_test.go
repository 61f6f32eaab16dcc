package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeParticipant struct {
	delay time.Duration
}

func (f fakeParticipant) AcknowledgePing(ctx context.Context, h *Handler) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	h.Release()
}

func TestProcedureCompletesWhenAllParticipantsRelease(t *testing.T) {
	proc := NewProcedure(1, nil)
	ctx := context.Background()
	proc.AddParticipant(ctx, fakeParticipant{})
	proc.AddParticipant(ctx, fakeParticipant{delay: 10 * time.Millisecond})

	require.True(t, proc.Wait(ctx))
}

func TestProcedureTimesOutWithoutRelease(t *testing.T) {
	proc := NewProcedure(2, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	proc.AddParticipant(ctx, fakeParticipant{delay: time.Hour})

	require.False(t, proc.Wait(ctx))
}

func TestHandlerReleaseIsIdempotentAcrossParticipants(t *testing.T) {
	proc := NewProcedure(3, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		proc.AddParticipant(ctx, fakeParticipant{})
	}
	require.True(t, proc.Wait(ctx))
}
