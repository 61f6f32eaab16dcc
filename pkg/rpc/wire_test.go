package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{ID: 42, Kind: KindRequest, Verb: "attachSource", Payload: []byte("hello")}
	frame, err := Encode(m)
	require.NoError(t, err)

	got, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestEncodeRejectsOversizedVerb(t *testing.T) {
	_, err := Encode(Message{Verb: Verb(make([]byte, 1<<17))})
	require.Error(t, err)
}

func TestReadFrameTruncated(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
}
