package cleanup

import (
	"errors"
	"testing"
)

// TestDrainReverseOrder verifies releases run in reverse acquisition order.
func TestDrainReverseOrder(t *testing.T) {
	r := NewRegistry()

	var order []string
	for _, name := range []string{"tempdir", "container", "mount"} {
		name := name
		r.Push(name, func() error {
			order = append(order, name)
			return nil
		})
	}

	if failed := r.Drain(); failed != 0 {
		t.Fatalf("expected 0 failed releases, got %d", failed)
	}

	expected := []string{"mount", "container", "tempdir"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d releases, got %d", len(expected), len(order))
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Errorf("release %d: expected %q, got %q", i, expected[i], order[i])
		}
	}
}

// TestDrainContinuesPastFailure verifies one failed release does not block
// the releases behind it.
func TestDrainContinuesPastFailure(t *testing.T) {
	r := NewRegistry()

	released := map[string]bool{}
	r.Push("first", func() error {
		released["first"] = true
		return nil
	})
	r.Push("second", func() error {
		return errors.New("device busy")
	})
	r.Push("third", func() error {
		released["third"] = true
		return nil
	})

	if failed := r.Drain(); failed != 1 {
		t.Fatalf("expected 1 failed release, got %d", failed)
	}
	if !released["first"] || !released["third"] {
		t.Errorf("expected surviving releases to run, got %v", released)
	}
}

// TestDrainRunsOnce verifies a second drain is a no-op.
func TestDrainRunsOnce(t *testing.T) {
	r := NewRegistry()

	count := 0
	r.Push("resource", func() error {
		count++
		return nil
	})

	r.Drain()
	r.Drain()

	if count != 1 {
		t.Errorf("expected release to run once, ran %d times", count)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry after drain, got %d entries", r.Len())
	}
}
