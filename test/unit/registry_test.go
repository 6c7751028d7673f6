package unit

import (
	"errors"
	"testing"

	"github.com/geochat-live/geochat/internal/hub"
)

func TestRegistryAddRemoveCount(t *testing.T) {
	r := hub.NewRegistry()

	if r.Count() != 0 {
		t.Fatalf("new registry should be empty, count %d", r.Count())
	}

	a := hub.NewSession("u1", "tab1", &recordingSink{})
	b := hub.NewSession("u1", "tab2", &recordingSink{})

	if err := r.Add(a); err != nil {
		t.Fatalf("add A failed: %v", err)
	}
	// Two sessions claiming the same userId are accepted; identity is
	// client-asserted and not unique.
	if err := r.Add(b); err != nil {
		t.Fatalf("add B with colliding userId failed: %v", err)
	}
	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}

	if removed := r.Remove(a.ID()); removed != a {
		t.Errorf("remove returned wrong session: %v", removed)
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1 after remove, got %d", r.Count())
	}
}

func TestRegistryRemoveUnknownHandleIsNoOp(t *testing.T) {
	r := hub.NewRegistry()

	if removed := r.Remove("missing"); removed != nil {
		t.Errorf("removing unknown handle returned %v", removed)
	}

	s := hub.NewSession("u1", "", &recordingSink{})
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	r.Remove(s.ID())
	if removed := r.Remove(s.ID()); removed != nil {
		t.Errorf("second remove returned %v, want nil", removed)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, count %d", r.Count())
	}
}

func TestRegistryRejectsDuplicateHandle(t *testing.T) {
	r := hub.NewRegistry()

	s := hub.NewSession("u1", "", &recordingSink{})
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := r.Add(s); !errors.Is(err, hub.ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("duplicate add changed the registry, count %d", r.Count())
	}
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := hub.NewRegistry()

	a := hub.NewSession("u1", "", &recordingSink{})
	if err := r.Add(a); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0] != a {
		t.Fatalf("snapshot mismatch: %v", snap)
	}

	r.Remove(a.ID())
	if len(snap) != 1 {
		t.Error("snapshot should not shrink when the registry changes")
	}
}

func TestSessionHandlesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := hub.NewSession("", "", &recordingSink{})
		if s.ID() == "" {
			t.Fatal("session handle is empty")
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate session handle %q", s.ID())
		}
		seen[s.ID()] = true
	}
}
