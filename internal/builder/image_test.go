package builder

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func requireMkfs(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("mkfs.ext4"); err != nil {
		t.Skip("mkfs.ext4 not available")
	}
}

func TestPackageImageLogicalSize(t *testing.T) {
	requireMkfs(t)

	tree := t.TempDir()
	if err := os.WriteFile(filepath.Join(tree, "hello"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed tree: %v", err)
	}

	output := filepath.Join(t.TempDir(), "rootfs.ext4")
	plan := SizePlan{ContentBytes: 5, MarginBytes: 8 << 20, TotalBytes: 5 + 8<<20}

	if err := PackageImage(context.Background(), tree, output, plan); err != nil {
		t.Fatalf("PackageImage: %v", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if uint64(info.Size()) != plan.TotalBytes {
		t.Errorf("logical size = %d, want %d", info.Size(), plan.TotalBytes)
	}
}

func TestPackageImageFailureRemovesOutput(t *testing.T) {
	requireMkfs(t)

	tree := filepath.Join(t.TempDir(), "absent")
	output := filepath.Join(t.TempDir(), "rootfs.ext4")
	plan := SizePlan{MarginBytes: 8 << 20, TotalBytes: 8 << 20}

	err := PackageImage(context.Background(), tree, output, plan)
	if err == nil {
		t.Fatal("expected error for missing seed tree")
	}
	if k := KindOf(err); k != KindFormat {
		t.Errorf("KindOf = %q, want %q", k, KindFormat)
	}
	if _, statErr := os.Stat(output); !os.IsNotExist(statErr) {
		t.Errorf("partial output left behind: stat err = %v", statErr)
	}
}

func TestWriteEntrypointFile(t *testing.T) {
	tree := t.TempDir()
	cfg := &ocispec.ImageConfig{
		Entrypoint: []string{"/usr/bin/app"},
		Cmd:        []string{"--serve"},
		Env:        []string{"PATH=/usr/bin"},
		WorkingDir: "/srv",
	}

	if err := writeEntrypointFile(tree, cfg); err != nil {
		t.Fatalf("writeEntrypointFile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tree, entrypointFile))
	if err != nil {
		t.Fatalf("read entrypoint file: %v", err)
	}

	var got ocispec.ImageConfig
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode entrypoint file: %v", err)
	}
	if len(got.Entrypoint) != 1 || got.Entrypoint[0] != "/usr/bin/app" {
		t.Errorf("Entrypoint = %v", got.Entrypoint)
	}
	if got.WorkingDir != "/srv" {
		t.Errorf("WorkingDir = %q", got.WorkingDir)
	}
}
