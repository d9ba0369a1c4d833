package builder

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFileOfSize(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPlanCapacity(t *testing.T) {
	tree := t.TempDir()
	writeFileOfSize(t, filepath.Join(tree, "bin", "sh"), 1000)
	writeFileOfSize(t, filepath.Join(tree, "etc", "os-release"), 200)
	writeFileOfSize(t, filepath.Join(tree, "empty"), 0)

	plan, err := PlanCapacity(tree, 4096)
	if err != nil {
		t.Fatalf("PlanCapacity: %v", err)
	}
	if plan.ContentBytes != 1200 {
		t.Errorf("ContentBytes = %d, want 1200", plan.ContentBytes)
	}
	if plan.MarginBytes != 4096 {
		t.Errorf("MarginBytes = %d, want 4096", plan.MarginBytes)
	}
	if plan.TotalBytes != 1200+4096 {
		t.Errorf("TotalBytes = %d, want %d", plan.TotalBytes, 1200+4096)
	}
}

func TestPlanCapacityZeroMargin(t *testing.T) {
	tree := t.TempDir()
	writeFileOfSize(t, filepath.Join(tree, "f"), 100)

	plan, err := PlanCapacity(tree, 0)
	if err != nil {
		t.Fatalf("PlanCapacity: %v", err)
	}
	if plan.TotalBytes != plan.ContentBytes {
		t.Errorf("zero margin: TotalBytes = %d, ContentBytes = %d", plan.TotalBytes, plan.ContentBytes)
	}
}

func TestPlanCapacityDoesNotFollowSymlinks(t *testing.T) {
	tree := t.TempDir()
	writeFileOfSize(t, filepath.Join(tree, "big"), 10000)
	if err := os.Symlink(filepath.Join(tree, "big"), filepath.Join(tree, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	plan, err := PlanCapacity(tree, 0)
	if err != nil {
		t.Fatalf("PlanCapacity: %v", err)
	}
	// The link's own length counts, the 10000-byte target must not count twice.
	if plan.ContentBytes >= 20000 {
		t.Errorf("ContentBytes = %d; symlink target was followed", plan.ContentBytes)
	}
}

func TestPlanCapacityMissingTree(t *testing.T) {
	_, err := PlanCapacity(filepath.Join(t.TempDir(), "absent"), 0)
	if err == nil {
		t.Fatal("expected error for missing tree")
	}
	if k := KindOf(err); k != KindIO {
		t.Errorf("KindOf = %q, want %q", k, KindIO)
	}
}
