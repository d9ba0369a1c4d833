package builder

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// entrypointFile is where the source image's runtime configuration lands
// inside the guest.
const entrypointFile = "etc/fch-entrypoint.json"

// PackageImage allocates a sparse file of the planned size at outputPath and
// formats it with an ext4 filesystem seeded directly from the tree in one
// operation, avoiding a second mount-and-copy phase.
//
// Contract: a file exists at outputPath after this returns if and only if
// formatting succeeded. On any formatting failure the partial output is
// removed before the error surfaces, so callers never observe a corrupt
// artifact.
func PackageImage(ctx context.Context, tree, outputPath string, plan SizePlan) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return failIO("create image file", err)
	}
	// Truncate, never write: the region must stay sparse so large margins
	// cost nothing until the guest uses them.
	if err := f.Truncate(int64(plan.TotalBytes)); err != nil {
		f.Close()
		os.Remove(outputPath)
		return failIO("size image file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(outputPath)
		return failIO("close image file", err)
	}

	logging.Info("Formatting image", "path", outputPath, "filesystem", "ext4")
	cmd := exec.CommandContext(ctx, "mkfs.ext4", "-F", "-q", "-d", tree, outputPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outputPath)
		return fail(KindFormat, "mkfs.ext4: "+string(output), err)
	}

	return nil
}

// writeEntrypointFile embeds the image runtime configuration into the tree.
func writeEntrypointFile(tree string, cfg *ocispec.ImageConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fail(KindIO, "encode image config", err)
	}

	path := filepath.Join(tree, entrypointFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failIO("create guest /etc", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return failIO("write entrypoint file", err)
	}

	logging.Debug("Embedded image config", "path", "/"+entrypointFile)
	return nil
}
