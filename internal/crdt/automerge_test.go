package crdt

import (
	"fmt"
	"testing"

	"github.com/automerge/automerge-go"
)

func TestLoadRoundTripsSnapshot(t *testing.T) {
	engine := NewAutomergeEngine()
	snapshot := mustSnapshot(t, "title", "hello")

	doc, err := engine.Load(snapshot)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	reloaded, err := automerge.Load(doc.Export())
	if err != nil {
		t.Fatalf("exported snapshot not loadable: %v", err)
	}
	value, err := reloaded.Path("title").Get()
	if err != nil {
		t.Fatalf("value lookup failed: %v", err)
	}
	if value.Str() != "hello" {
		t.Fatalf("expected title %q, got %q", "hello", value.Str())
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	engine := NewAutomergeEngine()
	if _, err := engine.Load([]byte("not a snapshot")); err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
}

func TestImportBatchIsIdempotent(t *testing.T) {
	engine := NewAutomergeEngine()
	base := mustSnapshot(t, "title", "base")

	fragments := [][]byte{
		mustEdit(t, base, "a", "one"),
		mustEdit(t, base, "b", "two"),
	}

	doc, err := engine.Load(base)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := doc.ImportBatch(fragments); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	once := headsOf(t, doc.Export())

	if err := doc.ImportBatch(fragments); err != nil {
		t.Fatalf("repeated import failed: %v", err)
	}
	twice := headsOf(t, doc.Export())

	if once != twice {
		t.Fatalf("repeated import changed document heads: %s vs %s", once, twice)
	}
}

func TestImportIsOrderIndependent(t *testing.T) {
	engine := NewAutomergeEngine()
	base := mustSnapshot(t, "title", "base")

	first := mustEdit(t, base, "a", "one")
	second := mustEdit(t, base, "b", "two")

	forward, err := engine.Load(base)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := forward.ImportBatch([][]byte{first, second}); err != nil {
		t.Fatalf("forward import failed: %v", err)
	}

	reverse, err := engine.Load(base)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := reverse.ImportBatch([][]byte{second, first}); err != nil {
		t.Fatalf("reverse import failed: %v", err)
	}

	if headsOf(t, forward.Export()) != headsOf(t, reverse.Export()) {
		t.Fatal("merge order changed the resulting document")
	}
}

func mustSnapshot(t *testing.T, key, value string) []byte {
	t.Helper()
	doc := automerge.New()
	if err := doc.Path(key).Set(value); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := doc.Commit("seed", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return doc.Save()
}

// mustEdit forks the snapshot, applies one change, and returns the fork's
// full serialized state. Merging it back carries exactly that change.
func mustEdit(t *testing.T, snapshot []byte, key, value string) []byte {
	t.Helper()
	fork, err := automerge.Load(snapshot)
	if err != nil {
		t.Fatalf("fork load failed: %v", err)
	}
	if err := fork.Path(key).Set(value); err != nil {
		t.Fatalf("fork set failed: %v", err)
	}
	if _, err := fork.Commit("edit "+key, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		t.Fatalf("fork commit failed: %v", err)
	}
	return fork.Save()
}

func headsOf(t *testing.T, snapshot []byte) string {
	t.Helper()
	doc, err := automerge.Load(snapshot)
	if err != nil {
		t.Fatalf("heads load failed: %v", err)
	}
	return fmt.Sprint(doc.Heads())
}
