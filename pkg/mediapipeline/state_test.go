package mediapipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyNetworkEvent(t *testing.T) {
	cases := []struct {
		ev   NetworkEvent
		want PlaybackState
	}{
		{NetworkBuffering, StateBuffering},
		{NetworkBufferingProgress, StateBuffering},
		{NetworkStalled, StateBuffering},
		{NetworkFormatError, StateFailure},
		{NetworkNetworkError, StateFailure},
		{NetworkDecodeError, StateFailure},
	}
	for _, c := range cases {
		require.Equal(t, c.want, applyNetworkEvent(c.ev), "event %v", c.ev)
	}
}

func TestApplyPlaybackEvent(t *testing.T) {
	cases := []struct {
		ev   PlaybackEvent
		want PlaybackState
	}{
		{PlaybackPlaying, StatePlaying},
		{PlaybackPaused, StatePlaying},
		{PlaybackSeeking, StateSeeking},
		{PlaybackSeekDone, StateBuffering},
		{PlaybackStopped, StateIdle},
		{PlaybackEndOfStream, StateEndOfStream},
		{PlaybackFailure, StateFailure},
	}
	for _, c := range cases {
		require.Equal(t, c.want, applyPlaybackEvent(c.ev), "event %v", c.ev)
	}
}

func TestPlaybackStateString(t *testing.T) {
	require.Equal(t, "BUFFERING", StateBuffering.String())
	require.Equal(t, "UNKNOWN", PlaybackState(99).String())
}
