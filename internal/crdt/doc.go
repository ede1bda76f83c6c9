// Package crdt implements the CRDT document of the Collaboration
// Coordinator (spec §4.D "Model"): a replicated growable array (RGA)
// over Unicode characters, supporting snapshot export, delta export
// since a version marker, and idempotent, commutative, associative
// merge of remote updates.
//
// This is grounded on the `Polqt-golang-journey` reference
// (RGANodeID/RGA/Insert/Delete/Apply/Text), which is a single retrieved
// file rather than an importable module, so the data structure is
// reimplemented here in the same shape rather than vendored.
//
// Open Question 1 (concurrent same-position inserts, spec §9): resolved
// by Lamport clock descending — the operation with the higher clock
// sorts first in the document; ties break on the lexicographically
// smaller replica id. See before() in rga.go.
package crdt
