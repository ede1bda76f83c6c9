package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// wireEvent is the outer envelope of every frame: a discriminator plus a
// monotonic (per relay run) seq and the event time, matching spec §6's
// "WebSocket-framed CBOR-like events with a seq field". CBOR is not
// available anywhere in the retrieved pack, so the wire codec here is
// JSON, which every frame payload in this package already models with
// encoding/json tags; the framing and reconnect semantics are what spec
// §6 actually constrains, not the specific bytes-on-the-wire encoding.
type wireEvent struct {
	Kind      FrameKind       `json:"kind"`
	Seq       int64           `json:"seq"`
	EventTime time.Time       `json:"event_time"`
	Payload   json.RawMessage `json:"payload"`
}

// WebSocketSource connects to an upstream relay over a WebSocket and
// reconnects with exponential, jittered, capped backoff on failure (spec
// §4.A "Connection drop").
type WebSocketSource struct {
	URL        string
	MaxBackoff time.Duration
	Logger     *slog.Logger

	dialer *websocket.Dialer
}

// NewWebSocketSource builds a relay client for the given WebSocket URL.
func NewWebSocketSource(relayURL string, maxBackoff time.Duration, logger *slog.Logger) *WebSocketSource {
	return &WebSocketSource{
		URL:        relayURL,
		MaxBackoff: maxBackoff,
		Logger:     logger,
		dialer:     websocket.DefaultDialer,
	}
}

// Dial implements Source. It runs a background goroutine that maintains
// the connection, forwarding frames and reconnecting transparently; the
// caller does not see individual reconnects, only a continuous frame
// stream and non-fatal errors on the error channel.
func (s *WebSocketSource) Dial(ctx context.Context, fromSeq int64) (<-chan Frame, <-chan error, error) {
	if _, err := url.Parse(s.URL); err != nil {
		return nil, nil, fmt.Errorf("stream: invalid relay url: %w", err)
	}

	frames := make(chan Frame, 256)
	errs := make(chan error, 8)

	go s.run(ctx, fromSeq, frames, errs)

	return frames, errs, nil
}

func (s *WebSocketSource) run(ctx context.Context, fromSeq int64, frames chan<- Frame, errs chan<- error) {
	defer close(frames)

	cursor := fromSeq
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := s.dialer.DialContext(ctx, s.dialURL(cursor), nil)
		if err != nil {
			select {
			case errs <- fmt.Errorf("stream: dial failed: %w", err):
			default:
			}
			if !s.sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		backoff = time.Second
		lastSeq, readErr := s.readLoop(ctx, conn, cursor, frames)
		_ = conn.Close()
		if lastSeq > 0 {
			cursor = lastSeq
		}
		if readErr != nil {
			select {
			case errs <- readErr:
			default:
			}
			if s.Logger != nil {
				s.Logger.Warn("stream connection lost, reconnecting", "error", readErr, "cursor", cursor)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if !s.sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

// readLoop consumes frames until the connection breaks or the context is
// cancelled. It returns the last seq observed so the caller can resume
// from there — relays may reset seq on restart (spec §4.A "Relay
// restart"), so this is advisory only; per-account rev is what actually
// orders record events.
func (s *WebSocketSource) readLoop(ctx context.Context, conn *websocket.Conn, cursor int64, frames chan<- Frame) (int64, error) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	lastSeq := cursor
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return lastSeq, fmt.Errorf("stream: read error: %w", err)
		}

		var evt wireEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// Malformed frame: the ingester's decode stage handles
			// dead-lettering for well-formed-but-unparseable payloads;
			// a frame that isn't even valid JSON never reaches that
			// stage, so it's dropped here without advancing lastSeq.
			continue
		}

		select {
		case frames <- Frame{Kind: evt.Kind, Seq: evt.Seq, EventTime: evt.EventTime, Payload: evt.Payload}:
			lastSeq = evt.Seq
		case <-ctx.Done():
			return lastSeq, ctx.Err()
		}
	}
}

func (s *WebSocketSource) dialURL(cursor int64) string {
	if cursor <= 0 {
		return s.URL
	}
	sep := "?"
	if _, err := url.Parse(s.URL); err == nil {
		u, _ := url.Parse(s.URL)
		if u.RawQuery != "" {
			sep = "&"
		}
	}
	return fmt.Sprintf("%s%scursor=%d", s.URL, sep, cursor)
}

// sleepBackoff waits the current backoff duration (with full jitter,
// capped at MaxBackoff) and doubles it for next time. Returns false if
// the context was cancelled during the wait.
//
// No backoff library appears anywhere in the retrieved example corpus
// (grep across all repos found none), so this one concern is hand
// rolled on time + math/rand rather than importing a dependency never
// exercised by any reference repo.
func (s *WebSocketSource) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	max := s.MaxBackoff
	if max <= 0 {
		max = 30 * time.Second
	}
	wait := *backoff
	if wait > max {
		wait = max
	}
	jittered := time.Duration(rand.Int63n(int64(wait) + 1))

	select {
	case <-time.After(jittered):
	case <-ctx.Done():
		return false
	}

	next := *backoff * 2
	if next > max {
		next = max
	}
	*backoff = next
	return true
}
