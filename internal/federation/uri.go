// Package federation defines the record-address and revision-token types
// shared by every component that talks about a federation-protocol record:
// (author_did, collection, record_key) identity, strong/blob references,
// and the sortable revision token that orders mutations within one author's
// repository.
package federation

import (
	"fmt"
	"strings"
)

// Scheme is the URI scheme used to address a record in a repository.
const Scheme = "proto"

// URI identifies a single record: proto://author_did/collection/record_key.
type URI struct {
	Did        string
	Collection string
	RKey       string
}

// String renders the canonical "proto://did/collection/rkey" form.
func (u URI) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", Scheme, u.Did, u.Collection, u.RKey)
}

// IsZero reports whether the URI is the empty value.
func (u URI) IsZero() bool {
	return u.Did == "" && u.Collection == "" && u.RKey == ""
}

// ParseURI parses a "proto://did/collection/rkey" string.
func ParseURI(s string) (URI, error) {
	prefix := Scheme + "://"
	if !strings.HasPrefix(s, prefix) {
		return URI{}, fmt.Errorf("federation: invalid uri %q: missing %q scheme", s, Scheme)
	}
	rest := strings.TrimPrefix(s, prefix)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return URI{}, fmt.Errorf("federation: invalid uri %q: expected did/collection/rkey", s)
	}
	return URI{Did: parts[0], Collection: parts[1], RKey: parts[2]}, nil
}

// StrongRef pins both the address and the content hash of a record at a
// point in time: {uri, cid}.
type StrongRef struct {
	URI URI    `json:"uri"`
	CID string `json:"cid"`
}

// BlobRef embeds a content-addressed binary payload, e.g. a CRDT snapshot
// or an inline diff stored out-of-line.
type BlobRef struct {
	Link     string `json:"link"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// ResourceRef identifies the logical resource an edit node or collab
// session is about — a (did, collection, rkey) triple without a cid,
// since the resource outlives any one revision of it.
type ResourceRef struct {
	Did        string `json:"did"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
}

// URI returns the addressable form of the resource.
func (r ResourceRef) URI() URI {
	return URI{Did: r.Did, Collection: r.Collection, RKey: r.RKey}
}
