package federation

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"strings"
	"time"
)

// Rev is a time-ordered revision token: the high bits encode a millisecond
// timestamp and the low bits are random, base32-encoded with a sortable
// alphabet so that lexicographic order matches time order. This mirrors
// the federation protocol's "tid"-shaped revision tokens described in
// spec §6 ("base32-like sortable strings encoding millisecond timestamps
// plus randomness").
//
// No ULID/KSUID-style library appears anywhere in the retrieved example
// corpus, so this one concern is implemented directly on crypto/rand and
// encoding/base32 rather than importing a dependency never exercised by
// any reference repo.
type Rev string

// crockfordAlphabet is lowercase and listed in ascending byte order
// (digits 2-7, then a-z), so the encoded tokens sort like the bytes
// they encode.
const crockfordAlphabet = "234567abcdefghijklmnopqrstuvwxyz"

var revEncoding = base32.NewEncoding(crockfordAlphabet).WithPadding(base32.NoPadding)

// NewRev generates a new revision token for the current instant.
func NewRev() Rev {
	return NewRevAt(time.Now())
}

// NewRevAt generates a revision token for a specific instant, used by
// tests that need deterministic ordering.
func NewRevAt(t time.Time) Rev {
	var buf [13]byte
	millis := uint64(t.UnixMilli())
	binary.BigEndian.PutUint64(buf[0:8], millis)
	_, _ = rand.Read(buf[8:])
	return Rev(revEncoding.EncodeToString(buf[:]))
}

// Time extracts the millisecond timestamp encoded in the token, if the
// token is well formed.
func (r Rev) Time() (time.Time, bool) {
	raw, err := revEncoding.DecodeString(string(r))
	if err != nil || len(raw) < 8 {
		return time.Time{}, false
	}
	millis := binary.BigEndian.Uint64(raw[0:8])
	return time.UnixMilli(int64(millis)), true
}

// Less reports whether r sorts before other; revision tokens are
// lexicographically ordered by construction, so this is a plain string
// comparison, but the method documents the intended comparison so callers
// never reach for numeric conversion.
func (r Rev) Less(other Rev) bool {
	return strings.Compare(string(r), string(other)) < 0
}

// Valid reports whether the token looks like a revision token this
// package would have produced (used to reject malformed payloads from the
// firehose without panicking on decode).
func (r Rev) Valid() bool {
	if len(r) == 0 {
		return false
	}
	_, err := revEncoding.DecodeString(string(r))
	return err == nil
}
