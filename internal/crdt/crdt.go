// Package crdt wraps the conflict-free document engine behind small
// interfaces so the coordinator can be exercised with fakes in tests.
//
// The engine guarantees commutative, associative, idempotent merges;
// the coordinator relies on those properties but never inspects payloads.
package crdt

// Engine creates and loads mergeable documents.
type Engine interface {
	New() Document
	Load(snapshot []byte) (Document, error)
}

// Document is an opaque mergeable state. Import applies one update fragment,
// ImportBatch applies fragments in order, Export serializes the full state.
type Document interface {
	Import(fragment []byte) error
	ImportBatch(fragments [][]byte) error
	Export() []byte
}
