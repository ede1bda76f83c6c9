package p2p

import (
	"context"
	"log/slog"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Topic is a joined gossip channel for one resource's collab session
// (spec §4.D step 4).
type Topic struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	selfID string
	logger *slog.Logger
}

// Publish broadcasts msg to every peer on the channel (spec §4.D steps
// 4-6: Join/Update/Cursor/Leave are all published here).
func (t *Topic) Publish(ctx context.Context, msg Message) error {
	return t.topic.Publish(ctx, msg.Encode())
}

// Received is one inbound gossip message, tagged with the sending
// peer's id so the receiver can track per-sender ordering (spec §5).
type Received struct {
	FromPeer string
	Message  Message
}

// Receive blocks until the next message arrives on the topic (excluding
// this host's own publishes, which GossipSub still delivers locally),
// returning it decoded. Callers typically run this in a loop from a
// dedicated goroutine per the single-owner collab task model (spec §5
// "owned by one task").
func (t *Topic) Receive(ctx context.Context) (Received, error) {
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			return Received{}, err
		}
		if m.ReceivedFrom.String() == t.selfID {
			continue
		}
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			t.logger.Warn("p2p: dropping malformed message", "from", m.ReceivedFrom.String(), "error", err)
			continue
		}
		return Received{FromPeer: m.ReceivedFrom.String(), Message: msg}, nil
	}
}

// Close leaves the channel.
func (t *Topic) Close() error {
	t.sub.Cancel()
	return t.topic.Close()
}
