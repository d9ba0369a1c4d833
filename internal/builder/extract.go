package builder

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/schollz/progressbar/v3"

	"github.com/nulvox/firecracker-helpers/internal/logging"
	"github.com/nulvox/firecracker-helpers/internal/runtime"
)

// extractFilesystem materializes the resolved image's file tree into the
// working tree directory. It creates an ephemeral container (never started),
// registers it for removal before the export begins, and unpacks the export
// tar stream. Extraction is one long blocking operation; nothing touches the
// tree until it returns.
func (b *RootfsBuilder) extractFilesystem(ctx context.Context) error {
	containerName := uniqueName("fch-export")
	id, err := b.rt.CreateContainer(ctx, b.resolved.Tag, containerName)
	if err != nil {
		return fail(KindIO, "instantiate export container", err)
	}
	b.containerID = id
	b.resources.Push("container "+containerName, func() error {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return b.rt.RemoveContainer(cctx, id)
	})

	logging.Info("Exporting container filesystem", "container", containerName)
	rc, err := b.rt.ExportContainer(ctx, id)
	if err != nil {
		return fail(KindIO, "export container filesystem", err)
	}
	defer rc.Close()

	if err := unpackExportStream(rc, b.treeDir, b.showProgress); err != nil {
		return failIO("unpack exported filesystem", err)
	}

	logging.Info("Filesystem extracted", "tree", b.treeDir)
	return nil
}

// unpackExportStream unpacks a container export tar stream into dest. The
// stream length is unknown up front, so the progress bar counts raw bytes.
func unpackExportStream(r io.Reader, dest string, showProgress bool) error {
	if showProgress {
		bar := progressbar.DefaultBytes(-1, "Extracting rootfs")
		defer bar.Close()
		r = io.TeeReader(r, bar)
	}
	return archive.Untar(r, dest, &archive.TarOptions{})
}

// embedImageConfig writes the image's runtime configuration (entrypoint,
// cmd, env) into the tree so the guest can reproduce the container's start
// semantics. Best-effort: a missing config is logged, not fatal.
func (b *RootfsBuilder) embedImageConfig(ctx context.Context, rt *runtime.Client) error {
	cfg, err := rt.ImageConfig(ctx, b.resolved.Tag)
	if err != nil {
		logging.Debug("Skipping entrypoint embedding", "error", err)
		return nil
	}
	return writeEntrypointFile(b.treeDir, cfg)
}

func ensureTreeDir(parent string) (string, error) {
	dir, err := os.MkdirTemp(parent, "fch-rootfs-*")
	if err != nil {
		return "", failIO("create working tree", err)
	}
	return dir, nil
}
