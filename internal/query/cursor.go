package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Cursor is the decoded shape of an opaque pagination token: a sort key
// (typically an RFC3339 timestamp) plus a tiebreaker (typically
// "did/rkey") that together give a total order over otherwise
// equal-sort-key rows (spec §4.F "opaque cursor encoding (sort_key,
// tiebreaker)").
type Cursor struct {
	SortKey    string `json:"s"`
	Tiebreaker string `json:"t"`
}

// EncodeCursor renders c as an opaque token safe to hand to a caller.
func EncodeCursor(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token produced by EncodeCursor. A semantically
// invalid cursor is a caller error (spec §7 "Semantic ... cursor cannot
// be decoded"), not a transient or fatal one.
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("query: cursor cannot be decoded: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("query: cursor cannot be decoded: %w", err)
	}
	return c, nil
}
