package crdt

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// AutomergeEngine implements Engine on top of automerge documents.
type AutomergeEngine struct{}

// NewAutomergeEngine returns the automerge-backed engine.
func NewAutomergeEngine() *AutomergeEngine {
	return &AutomergeEngine{}
}

// New returns an empty document.
func (e *AutomergeEngine) New() Document {
	return &automergeDocument{doc: automerge.New()}
}

// Load deserializes a previously exported snapshot.
func (e *AutomergeEngine) Load(snapshot []byte) (Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("crdt: load snapshot: %w", err)
	}
	return &automergeDocument{doc: doc}, nil
}

type automergeDocument struct {
	doc *automerge.Doc
}

func (d *automergeDocument) Import(fragment []byte) error {
	delta, err := automerge.Load(fragment)
	if err != nil {
		return fmt.Errorf("crdt: load fragment: %w", err)
	}
	if _, err := d.doc.Merge(delta); err != nil {
		return fmt.Errorf("crdt: merge fragment: %w", err)
	}
	return nil
}

func (d *automergeDocument) ImportBatch(fragments [][]byte) error {
	for i, fragment := range fragments {
		if err := d.Import(fragment); err != nil {
			return fmt.Errorf("fragment %d: %w", i, err)
		}
	}
	return nil
}

func (d *automergeDocument) Export() []byte {
	return d.doc.Save()
}
