package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSwitchable struct {
	activeErr   error
	inactiveErr error
	activeN     int
	inactiveN   int
}

func (f *fakeSwitchable) SwitchToActive() error {
	f.activeN++
	return f.activeErr
}

func (f *fakeSwitchable) SwitchToInactive() error {
	f.inactiveN++
	return f.inactiveErr
}

func newTestManager(playback, cdm *fakeSwitchable) *Manager {
	sms := NewSessionManagementServer(func(uint64) SessionService { return nil }, nil)
	return NewManager(playback, cdm, sms, nil)
}

func TestSetStateActiveThenInactiveThenNotRunning(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)

	require.NoError(t, m.SetState(StateActive))
	require.Equal(t, StateActive, m.State())
	require.Equal(t, 1, playback.activeN)
	require.Equal(t, 1, cdm.activeN)

	require.NoError(t, m.SetState(StateInactive))
	require.Equal(t, StateInactive, m.State())
	require.Equal(t, 1, playback.inactiveN)

	require.NoError(t, m.SetState(StateNotRunning))
	require.Equal(t, StateNotRunning, m.State())
}

func TestSetStateIdempotentOnSameState(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)

	require.NoError(t, m.SetState(StateActive))
	require.NoError(t, m.SetState(StateActive))
	require.Equal(t, 1, playback.activeN, "idempotent same-state request must not re-run entry actions")
}

func TestSetStateActiveRollsBackOnCdmFailure(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{activeErr: errors.New("cdm boom")}
	m := newTestManager(playback, cdm)

	err := m.SetState(StateActive)
	require.Error(t, err)
	require.Equal(t, StateUninitialized, m.State())
	require.Equal(t, 1, playback.activeN)
	require.Equal(t, 1, playback.inactiveN, "playback must be rolled back to inactive")
}

func TestSetStateInactiveRollsBackToActiveOnBroadcastFailure(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)
	require.NoError(t, m.SetState(StateActive))

	boom := errors.New("observer delivery failed")
	m.OnStateChange(func(s ProcessState) error {
		if s == StateInactive {
			return boom
		}
		return nil
	})

	err := m.SetState(StateInactive)
	require.ErrorIs(t, err, boom)
	require.Equal(t, StateActive, m.State(), "manager must roll forward to ACTIVE when the INACTIVE broadcast fails")
	require.Equal(t, 1, playback.inactiveN, "playback switched to inactive before the broadcast ran")
	require.Equal(t, 2, playback.activeN, "playback switched back to active once on entry, once on rollback")
	require.Equal(t, 1, cdm.inactiveN)
	require.Equal(t, 2, cdm.activeN)
}

func TestSetStateInvalidRequestBroadcastsError(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)

	seen := make(chan ProcessState, 1)
	m.OnStateChange(func(s ProcessState) error { seen <- s; return nil })

	err := m.SetState(ProcessState(99))
	require.Error(t, err)
	select {
	case s := <-seen:
		require.Equal(t, StateError, s)
	default:
		t.Fatal("expected ERROR broadcast")
	}
}

func TestStartServiceBlocksUntilStopService(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)

	var seen []ProcessState
	m.OnStateChange(func(s ProcessState) error { seen = append(seen, s); return nil })

	m.NotifyCurrentState()
	require.NoError(t, m.SetState(StateInactive))
	require.NoError(t, m.SetState(StateActive))
	require.NoError(t, m.SetState(StateInactive))

	done := make(chan struct{})
	go func() {
		m.StartService()
		close(done)
	}()

	require.NoError(t, m.SetState(StateNotRunning))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartService did not return after StateNotRunning's StopService")
	}

	require.Equal(t, []ProcessState{
		StateUninitialized, StateInactive, StateActive, StateInactive, StateNotRunning,
	}, seen)
}

func TestOnStateChangeCancelRemovesHandler(t *testing.T) {
	playback, cdm := &fakeSwitchable{}, &fakeSwitchable{}
	m := newTestManager(playback, cdm)

	calls := 0
	cancel := m.OnStateChange(func(ProcessState) error { calls++; return nil })
	cancel()

	require.NoError(t, m.SetState(StateActive))
	require.Equal(t, 0, calls)
}
