package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	e := Envelope{
		MsgID:   "m1",
		From:    "r1",
		To:      "r2",
		Type:    "chat",
		Payload: []byte("hi"),
		TS:      12345,
		Hop:     HopDirect,
	}
	data, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestControlMessageRoundTrip(t *testing.T) {
	msg := ControlMessage{
		Kind: ControlKindRingUpdate,
		RingUpdate: &RingUpdate{
			Version: 7,
			Weights: map[string]int{"A": 100, "B": 50},
			Reason:  "topology change",
			TS:      999,
		},
	}
	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalControl(data)
	require.NoError(t, err)
	require.Equal(t, msg.Kind, got.Kind)
	require.Equal(t, msg.RingUpdate.Version, got.RingUpdate.Version)
	require.Equal(t, msg.RingUpdate.Weights, got.RingUpdate.Weights)
}
