package history

import (
	"errors"
	"path/filepath"
	"testing"

	"comfyenv/internal/manifest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func manifestWith(nodes ...string) *manifest.Manifest {
	m := &manifest.Manifest{Name: "test"}
	for _, id := range nodes {
		m.AddNode(manifest.NodeEntry{ID: id, Source: "https://example.com/" + id})
	}
	return m
}

func TestCommitChainIsLinear(t *testing.T) {
	s := openStore(t)

	c1, err := s.Commit(manifestWith("a"), "first")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	c2, err := s.Commit(manifestWith("a", "b"), "second")
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	c3, err := s.Commit(manifestWith("a", "b", "c"), "third")
	if err != nil {
		t.Fatalf("commit 3: %v", err)
	}

	if c1.Parent != 0 {
		t.Errorf("root parent = %d, want 0", c1.Parent)
	}
	if c2.Parent != c1.ID || c3.Parent != c2.ID {
		t.Errorf("parents not linear: %d<-%d<-%d", c1.ID, c2.Parent, c3.Parent)
	}

	it, err := s.Log()
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	var msgs []string
	for {
		c, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if c == nil {
			break
		}
		msgs = append(msgs, c.Message)
	}
	want := []string{"third", "second", "first"}
	if len(msgs) != len(want) {
		t.Fatalf("log has %d entries, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("log[%d] = %q, want %q", i, msgs[i], want[i])
		}
	}
}

func TestNothingToCommit(t *testing.T) {
	s := openStore(t)

	m := manifestWith("a")
	if _, err := s.Commit(m, "first"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := s.Commit(m.Clone(), "again"); !errors.Is(err, ErrNothingToCommit) {
		t.Fatalf("identical commit error = %v, want ErrNothingToCommit", err)
	}

	// A structural change commits fine.
	m.AddNode(manifest.NodeEntry{ID: "b", Source: "https://example.com/b"})
	if _, err := s.Commit(m, "changed"); err != nil {
		t.Fatalf("changed commit: %v", err)
	}
}

func TestRollbackMovesHead(t *testing.T) {
	s := openStore(t)

	c1, err := s.Commit(manifestWith("a"), "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(manifestWith("a", "b"), "second"); err != nil {
		t.Fatal(err)
	}

	var m manifest.Manifest
	got, err := s.Rollback(&m, "1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got.ID != c1.ID {
		t.Errorf("rolled back to %d, want %d", got.ID, c1.ID)
	}
	if len(m.Nodes) != 1 || m.Nodes[0].ID != "a" {
		t.Errorf("manifest after rollback = %+v", m.Nodes)
	}

	head, err := s.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head.ID != c1.ID {
		t.Errorf("head = %d, want %d", head.ID, c1.ID)
	}

	// The superseded commit survives in the arena.
	if _, err := s.Resolve("2"); err != nil {
		t.Errorf("superseded commit gone: %v", err)
	}

	// Log follows the new head and no longer reaches "second".
	it, _ := s.Log()
	c, err := it.Next()
	if err != nil || c.Message != "first" {
		t.Errorf("log head = %v, %v", c, err)
	}

	// Committing after rollback extends from the new head.
	c3, err := s.Commit(manifestWith("a", "x"), "redo")
	if err != nil {
		t.Fatal(err)
	}
	if c3.Parent != c1.ID {
		t.Errorf("redo parent = %d, want %d", c3.Parent, c1.ID)
	}
}

func TestRollbackEmptyTargetReloadsHead(t *testing.T) {
	s := openStore(t)

	if _, err := s.Commit(manifestWith("a"), "first"); err != nil {
		t.Fatal(err)
	}

	m := manifestWith("a", "uncommitted")
	if _, err := s.Rollback(m, ""); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(m.Nodes) != 1 || m.Nodes[0].ID != "a" {
		t.Errorf("manifest not reset: %+v", m.Nodes)
	}
}

func TestResolve(t *testing.T) {
	s := openStore(t)

	c1, err := s.Commit(manifestWith("a"), "first")
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.Commit(manifestWith("a", "b"), "second")
	if err != nil {
		t.Fatal(err)
	}

	if got, err := s.Resolve("1"); err != nil || got.ID != c1.ID {
		t.Errorf("resolve by id = %v, %v", got, err)
	}
	if got, err := s.Resolve(c2.Hash[:8]); err != nil || got.ID != c2.ID {
		t.Errorf("resolve by prefix = %v, %v", got, err)
	}
	if _, err := s.Resolve("deadbeef"); !errors.Is(err, ErrUnknownCommit) {
		t.Errorf("unknown ref error = %v", err)
	}

	// Only check ambiguity when the two hashes happen to share a prefix.
	if c1.Hash[0] == c2.Hash[0] {
		if _, err := s.Resolve(c1.Hash[:1]); !errors.Is(err, ErrAmbiguous) {
			t.Errorf("ambiguous prefix error = %v", err)
		}
	}
}

func TestStatus(t *testing.T) {
	s := openStore(t)

	m := manifestWith("a")
	if st, err := s.Status(m); err != nil || st != Dirty {
		t.Errorf("pre-commit status = %v, %v, want Dirty", st, err)
	}
	if _, err := s.Commit(m, "first"); err != nil {
		t.Fatal(err)
	}
	if st, err := s.Status(m); err != nil || st != Clean {
		t.Errorf("post-commit status = %v, %v, want Clean", st, err)
	}
	m.AddNode(manifest.NodeEntry{ID: "b", Source: "https://example.com/b"})
	if st, err := s.Status(m); err != nil || st != Dirty {
		t.Errorf("modified status = %v, %v, want Dirty", st, err)
	}
}
