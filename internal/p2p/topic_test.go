package p2p

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTwoHostsExchangeMessageOnSharedTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	hostA, err := New(ctx, nil, nil)
	require.NoError(t, err)
	defer hostA.Close()

	hostB, err := New(ctx, nil, nil)
	require.NoError(t, err)
	defer hostB.Close()

	addrs := hostA.Addrs()
	require.NotEmpty(t, addrs)
	require.NoError(t, hostB.Connect(ctx, addrs[0]))

	topicID := DeriveTopicID("proto://did:plc:alice/weaver.notebook.entry/e1", []byte("shared-secret"))

	topicA, err := hostA.Join(topicID)
	require.NoError(t, err)
	defer topicA.Close()

	topicB, err := hostB.Join(topicID)
	require.NoError(t, err)
	defer topicB.Close()

	// GossipSub needs its mesh to form before a publish is guaranteed to
	// reach the other side; poll until each topic sees the other peer.
	require.Eventually(t, func() bool {
		return len(topicA.topic.ListPeers()) > 0 && len(topicB.topic.ListPeers()) > 0
	}, 10*time.Second, 100*time.Millisecond, "topics never discovered each other")

	joinMsg := Message{Kind: KindJoin, Payload: []byte(`{"did":"did:plc:bob","displayName":"Bob"}`)}
	require.NoError(t, topicB.Publish(ctx, joinMsg))

	received, err := topicA.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, KindJoin, received.Message.Kind)
	require.Equal(t, joinMsg.Payload, received.Message.Payload)
	require.Equal(t, hostB.ID(), received.FromPeer)
}
