// Package p2p is the Collaboration Coordinator's P2P transport (spec
// §4.D step 3-4, §6 "P2P transport"): an encrypted, authenticated,
// multiplexed connection between collab peers with a gossip overlay
// keyed by a 32-byte topic identifier derived from the resource being
// edited.
//
// Grounded on the `petervdpas-goop2` reference (internal/p2p/node.go):
// libp2p.New for the host, go-libp2p-pubsub's GossipSub for the overlay,
// ps.Join/topic.Publish/topic.Subscribe for per-topic messaging. Unlike
// that reference, Weaver joins one topic per actively-edited resource
// rather than a single global presence topic, and does not implement
// relay/NAT traversal (left to go-libp2p's defaults) or mDNS discovery,
// since collab peers discover each other via session records (spec
// §4.D step 3), not LAN broadcast.
package p2p

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// TopicID is the 32-byte gossip topic identifier derived from a
// resource and a shared secret (spec §4.D step 3: "a hash of the
// resource URI and a shared secret").
type TopicID [32]byte

// String renders the topic id as a pubsub topic name.
func (t TopicID) String() string {
	return fmt.Sprintf("weaver/collab/%x", t[:])
}

// DeriveTopicID hashes a resource URI with a shared secret so that only
// peers who know the secret can compute the correct topic to join
// (spec §4.D step 3; §9 Open Question 4 notes this is not a full
// identity binding).
func DeriveTopicID(resourceURI string, secret []byte) TopicID {
	h := sha256.New()
	h.Write([]byte(resourceURI))
	h.Write(secret)
	var out TopicID
	copy(out[:], h.Sum(nil))
	return out
}

// Host wraps a libp2p host and its GossipSub router.
type Host struct {
	host   host.Host
	pubsub *pubsub.PubSub
	logger *slog.Logger
}

// New creates a libp2p host listening on the given multiaddrs (empty
// means "pick an ephemeral TCP port") with a fresh Ed25519 identity, and
// starts its GossipSub router.
func New(ctx context.Context, listenAddrs []string, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: generate identity key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}

	return &Host{host: h, pubsub: ps, logger: logger}, nil
}

// ID returns this host's peer id.
func (h *Host) ID() string {
	return h.host.ID().String()
}

// Addrs returns this host's listen multiaddrs, each combined with its
// peer id, suitable for publishing as a collab_session record's
// relay_url (spec §6 "{platform}.collab.session").
func (h *Host) Addrs() []string {
	info := peer.AddrInfo{ID: h.host.ID(), Addrs: h.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// Connect dials a peer by its advertised multiaddr (typically a
// collab_session record's relay_url, spec §4.D step 3).
func (h *Host) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: parse peer addr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("p2p: resolve peer addr %q: %w", addr, err)
	}
	if err := h.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("p2p: connect to %s: %w", info.ID, err)
	}
	return nil
}

// Join subscribes to the gossip channel for a resource's topic (spec
// §4.D step 4: "Peers join a gossip channel keyed by the topic").
func (h *Host) Join(id TopicID) (*Topic, error) {
	t, err := h.pubsub.Join(id.String())
	if err != nil {
		return nil, fmt.Errorf("p2p: join topic: %w", err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("p2p: subscribe to topic: %w", err)
	}
	return &Topic{topic: t, sub: sub, selfID: h.host.ID().String(), logger: h.logger}, nil
}

// Close shuts down the host and every resource it holds.
func (h *Host) Close() error {
	return h.host.Close()
}
