package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	msg := Message{Kind: KindJoin, Payload: []byte(`{"did":"did:plc:alice"}`)}

	decoded, err := DecodeMessage(msg.Encode())
	require.NoError(t, err)
	require.Equal(t, KindJoin, decoded.Kind)
	require.Equal(t, msg.Payload, decoded.Payload)
}

func TestDecodeMessageRejectsEmptyInput(t *testing.T) {
	_, err := DecodeMessage(nil)
	require.Error(t, err)
}

func TestDeriveTopicIDIsDeterministicAndSecretSensitive(t *testing.T) {
	uri := "proto://did:plc:alice/weaver.notebook.entry/e1"

	a := DeriveTopicID(uri, []byte("secret-1"))
	b := DeriveTopicID(uri, []byte("secret-1"))
	require.Equal(t, a, b, "same resource and secret must derive the same topic")

	c := DeriveTopicID(uri, []byte("secret-2"))
	require.NotEqual(t, a, c, "a different secret must derive a different topic")

	other := DeriveTopicID("proto://did:plc:bob/weaver.notebook.entry/e2", []byte("secret-1"))
	require.NotEqual(t, a, other, "a different resource must derive a different topic")
}
