package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/stream"
)

// decodeRecord turns a record-kind frame into a federation.RecordEvent.
// It does not judge revision ordering — that is gap detection's job,
// run once the event is otherwise known-good (spec §4.A).
func decodeRecord(f stream.Frame) (federation.RecordEvent, error) {
	var payload stream.RecordPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return federation.RecordEvent{}, fmt.Errorf("decode record payload: %w", err)
	}
	if payload.Did == "" || payload.Collection == "" || payload.RKey == "" {
		return federation.RecordEvent{}, fmt.Errorf("decode record payload: missing did/collection/rkey")
	}

	op := federation.Op(payload.Op)
	switch op {
	case federation.OpCreate, federation.OpUpdate, federation.OpDelete:
	default:
		return federation.RecordEvent{}, fmt.Errorf("decode record payload: unknown op %q", payload.Op)
	}

	rev := federation.Rev(payload.Rev)
	if op != federation.OpDelete && !rev.Valid() {
		return federation.RecordEvent{}, fmt.Errorf("decode record payload: invalid rev %q", payload.Rev)
	}

	eventTime := f.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	return federation.RecordEvent{
		Did:             payload.Did,
		Collection:      payload.Collection,
		RKey:            payload.RKey,
		CID:             payload.CID,
		Rev:             rev,
		RecordJSON:      payload.Record,
		Op:              op,
		Seq:             f.Seq,
		EventTime:       eventTime,
		IsLive:          true,
		ValidationState: federation.ValidationOK,
	}, nil
}

func decodeIdentity(f stream.Frame) (federation.IdentityEvent, error) {
	var payload stream.IdentityPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return federation.IdentityEvent{}, fmt.Errorf("decode identity payload: %w", err)
	}
	if payload.Did == "" {
		return federation.IdentityEvent{}, fmt.Errorf("decode identity payload: missing did")
	}
	eventTime := f.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	return federation.IdentityEvent{
		Did:       payload.Did,
		Handle:    payload.Handle,
		Seq:       f.Seq,
		EventTime: eventTime,
	}, nil
}

func decodeAccount(f stream.Frame) (federation.AccountEvent, error) {
	var payload stream.AccountPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return federation.AccountEvent{}, fmt.Errorf("decode account payload: %w", err)
	}
	if payload.Did == "" {
		return federation.AccountEvent{}, fmt.Errorf("decode account payload: missing did")
	}
	status := federation.AccountStatus(payload.Status)
	eventTime := f.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}
	return federation.AccountEvent{
		Did:       payload.Did,
		Active:    payload.Active,
		Status:    status,
		Seq:       f.Seq,
		EventTime: eventTime,
	}, nil
}
