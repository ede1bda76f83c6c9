package federation

import "time"

// Op is the mutation kind carried by a record event.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ValidationState tracks whether a record event's revision ordering has
// been confirmed, per spec §4.A.
type ValidationState string

const (
	ValidationOK         ValidationState = "ok"
	ValidationInvalidGap ValidationState = "invalid_gap"
	// ValidationInvalidCycle flags an edit_nodes row whose admission
	// would have closed a cycle in its resource's edit graph (spec §4.C
	// "A cycle MUST NOT exist by construction").
	ValidationInvalidCycle ValidationState = "invalid_cycle"
	// ValidationInvalidRoot flags an edit_nodes row whose root does not
	// match the root of the node named by its prev (spec §8 "A diff
	// whose root differs from its prev.root is rejected by the graph
	// loader").
	ValidationInvalidRoot ValidationState = "invalid_root"
)

// RecordEvent is a single row of the raw, append-only record-events table
// (spec §3 "Raw event streams").
type RecordEvent struct {
	Did             string
	Collection      string
	RKey            string
	CID             string
	Rev             Rev
	RecordJSON      []byte
	Op              Op
	Seq             int64
	EventTime       time.Time
	IndexedAt       time.Time
	IsLive          bool
	ValidationState ValidationState
}

// AccountStatus is the lifecycle state of an author's account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountDeactivated AccountStatus = "deactivated"
	AccountDeleted     AccountStatus = "deleted"
	AccountSuspended   AccountStatus = "suspended"
	AccountTakendown   AccountStatus = "takendown"
)

// IdentityEvent is a claim or change of a human-readable handle.
type IdentityEvent struct {
	Did       string
	Handle    string
	Seq       int64
	EventTime time.Time
}

// AccountEvent reflects a change in account-level status.
type AccountEvent struct {
	Did       string
	Active    bool
	Status    AccountStatus
	Seq       int64
	EventTime time.Time
}

// AccountRevisionState is the per-account aggregate maintained from record
// events: the last-seen revision, cid, seq and event time for a did. Used
// to detect gaps and dedup replays (spec §3).
type AccountRevisionState struct {
	Did           string
	LastRev       Rev
	LastCID       string
	LastSeq       int64
	LastEventTime time.Time
}

// DeadLetterEvent records a frame that failed to decode, preserved with
// its raw bytes and the decode error for later inspection (spec §4.A).
type DeadLetterEvent struct {
	ID         string
	Seq        int64
	RawBytes   []byte
	Error      string
	ReceivedAt time.Time
}

// Cursor is the ingester's persisted read position (spec §6 "Persisted
// state").
type Cursor struct {
	ConsumerID string
	Seq        int64
	EventTime  time.Time
	UpdatedAt  time.Time
}
