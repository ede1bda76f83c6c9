// Package collab implements the Collaboration Coordinator (spec §4.D):
// session lifecycle over a CRDT document (internal/crdt) and a P2P
// gossip transport (internal/p2p), presence tracking with per-sender
// logical-timestamp ordering, and publisher persistence of snapshots
// and diffs back through the federation record API.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weaverproto/weaver-core/internal/crdt"
	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/p2p"
)

// TopicTransport is the narrow surface collab needs from a joined gossip
// channel, satisfied by *p2p.Topic and by fakes in tests.
type TopicTransport interface {
	Publish(ctx context.Context, msg p2p.Message) error
	Receive(ctx context.Context) (p2p.Received, error)
	Close() error
}

// HostTransport is the narrow surface collab needs from a P2P host,
// satisfied by WrapHost(*p2p.Host) and by fakes in tests.
type HostTransport interface {
	ID() string
	Connect(ctx context.Context, addr string) error
	Join(id p2p.TopicID) (TopicTransport, error)
}

type hostAdapter struct{ h *p2p.Host }

func (a hostAdapter) ID() string { return a.h.ID() }

func (a hostAdapter) Connect(ctx context.Context, addr string) error {
	return a.h.Connect(ctx, addr)
}

func (a hostAdapter) Join(id p2p.TopicID) (TopicTransport, error) {
	t, err := a.h.Join(id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// WrapHost adapts a concrete *p2p.Host to the HostTransport interface
// collab depends on.
func WrapHost(h *p2p.Host) HostTransport { return hostAdapter{h: h} }

// Publisher writes edit and session records back to the federation
// repository (spec §4.D "Persistence", step 2). Auth/signing is a
// Non-goal of spec.md §1, so this package only defines the contract;
// a real implementation lives behind whatever write path a deployment
// uses.
type Publisher interface {
	PublishEditRoot(ctx context.Context, resource federation.ResourceRef, snapshot []byte) (federation.StrongRef, error)
	PublishEditDiff(ctx context.Context, resource federation.ResourceRef, root, prev federation.StrongRef, inlineDiff []byte) (federation.StrongRef, error)
	PublishSession(ctx context.Context, resource federation.ResourceRef, nodeID, relayURL string, expiresAt time.Time) error
	RetractSession(ctx context.Context, resource federation.ResourceRef) error
}

// Discovery finds other peers' published session records for a resource
// (spec §4.D step 3).
type Discovery interface {
	ActiveSessions(ctx context.Context, resource federation.ResourceRef) ([]federation.CollabSessionRecord, error)
}

// Config configures the coordinator (spec §4.D, mirrors
// config.CollabConfig).
type Config struct {
	TopicSecret   []byte
	SessionTTL    time.Duration
	PresenceIdle  time.Duration
	SnapshotEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 2 * time.Minute
	}
	if c.PresenceIdle <= 0 {
		c.PresenceIdle = 30 * time.Second
	}
	return c
}

// Coordinator manages active collaboration sessions for this peer.
type Coordinator struct {
	host      HostTransport
	discovery Discovery
	publisher Publisher
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[federation.ResourceRef]*Session
}

// New creates a Coordinator.
func New(host HostTransport, discovery Discovery, publisher Publisher, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		host:      host,
		discovery: discovery,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		sessions:  make(map[federation.ResourceRef]*Session),
	}
}

// Open starts a collaboration session on resource: joins its gossip
// topic, seeds the CRDT document from an existing snapshot (loaded by
// the caller from the hot tier or reconstructed from the edit DAG's
// head, spec §4.D step 1), publishes a session record, dials any peers
// already editing the resource, and announces Join (spec §4.D steps 2-4).
func (c *Coordinator) Open(ctx context.Context, resource federation.ResourceRef, did, displayName string, seed []crdt.Op) (*Session, error) {
	c.mu.Lock()
	if _, exists := c.sessions[resource]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("collab: session already open for resource %s", resource.URI())
	}
	c.mu.Unlock()

	topicID := p2p.DeriveTopicID(resource.URI().String(), c.cfg.TopicSecret)
	transport, err := c.host.Join(topicID)
	if err != nil {
		return nil, fmt.Errorf("collab: join topic for resource %s: %w", resource.URI(), err)
	}

	doc := crdt.NewDocument(c.host.ID())
	if errs := doc.ImportUpdates(seed); len(errs) > 0 {
		c.logger.Warn("collab: seed snapshot had malformed ops", "resource", resource.URI(), "errors", len(errs))
	}

	sess := &Session{
		resource:  resource,
		did:       did,
		doc:       doc,
		transport: transport,
		presence:  make(map[string]*PresenceState),
		publisher: c.publisher,
		logger:    c.logger,
	}

	expiresAt := time.Now().UTC().Add(c.cfg.SessionTTL)
	if err := c.publisher.PublishSession(ctx, resource, c.host.ID(), "", expiresAt); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("collab: publish session record: %w", err)
	}

	if c.discovery != nil {
		peers, err := c.discovery.ActiveSessions(ctx, resource)
		if err != nil {
			c.logger.Warn("collab: discover active sessions failed", "resource", resource.URI(), "error", err)
		}
		for _, p := range peers {
			if p.NodeID == c.host.ID() || p.RelayURL == "" {
				continue
			}
			if err := c.host.Connect(ctx, p.RelayURL); err != nil {
				c.logger.Warn("collab: dial peer failed", "peer", p.NodeID, "error", err)
			}
		}
	}

	joinPayload, _ := json.Marshal(p2p.JoinPayload{Did: did, DisplayName: displayName})
	if err := transport.Publish(ctx, p2p.Message{Kind: p2p.KindJoin, Payload: joinPayload}); err != nil {
		c.logger.Warn("collab: announce join failed", "resource", resource.URI(), "error", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess.cancel = cancel
	go sess.receiveLoop(sessCtx)
	if c.cfg.SnapshotEvery > 0 {
		go sess.publishLoop(sessCtx, resource, c.cfg.SnapshotEvery)
	}

	c.mu.Lock()
	c.sessions[resource] = sess
	c.mu.Unlock()

	return sess, nil
}

// Close ends the session for resource (spec §4.D step 7: delete session
// record, best-effort Leave, free the document).
func (c *Coordinator) Close(ctx context.Context, resource federation.ResourceRef) error {
	c.mu.Lock()
	sess, ok := c.sessions[resource]
	if ok {
		delete(c.sessions, resource)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.close(ctx)
}
