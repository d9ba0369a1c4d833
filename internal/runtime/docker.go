// Package runtime wraps the container runtime operations a rootfs build
// needs: resolving an image (pull or Dockerfile build), instantiating an
// ephemeral container, exporting its filesystem, and deleting the ephemeral
// objects again.
package runtime

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// Client is a thin wrapper around the Docker API client.
type Client struct {
	docker *client.Client
}

// Connect creates a client from the environment and verifies the daemon is
// reachable. Reachability is checked exactly once here; callers treat a
// failure as fatal rather than retrying per operation.
func Connect(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("container runtime unreachable: %w", err)
	}
	return &Client{docker: cli}, nil
}

// Close releases the underlying API client.
func (c *Client) Close() error {
	return c.docker.Close()
}

// ImageExists reports whether ref is present in the local image store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := c.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	return len(images) > 0, nil
}

// PullImage fetches ref into the local image store, consuming the progress
// stream so pull errors surface as errors rather than truncated output.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	logging.Info("Pulling image", "ref", ref)
	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	return nil
}

// BuildImage builds dockerfile within contextDir and tags the result. The
// dockerfile path must live inside the context directory.
func (c *Client) BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error {
	rel, err := filepath.Rel(contextDir, dockerfile)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("dockerfile %s is outside build context %s", dockerfile, contextDir)
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context: %w", err)
	}
	defer buildCtx.Close()

	logging.Info("Building image", "dockerfile", dockerfile, "tag", tag)
	resp, err := c.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  rel,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("build %s: %w", tag, err)
	}
	return nil
}

// CreateContainer instantiates a container from ref without starting it and
// returns its ID. The container exists only to be exported.
func (c *Client) CreateContainer(ctx context.Context, ref, name string) (string, error) {
	resp, err := c.docker.ContainerCreate(ctx, &container.Config{Image: ref}, nil, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", ref, err)
	}
	return resp.ID, nil
}

// ExportContainer returns a tar stream of the container's root filesystem.
func (c *Client) ExportContainer(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := c.docker.ContainerExport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("export container %s: %w", id, err)
	}
	return rc, nil
}

// RemoveContainer force-removes an ephemeral container.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	return c.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// RemoveImage force-removes an ephemeral image tag.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.docker.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	return err
}

// ImageConfig returns the image's runtime configuration (entrypoint, cmd,
// env) in OCI form, for embedding into the produced filesystem.
func (c *Client) ImageConfig(ctx context.Context, ref string) (*ocispec.ImageConfig, error) {
	insp, _, err := c.docker.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", ref, err)
	}
	if insp.Config == nil {
		return &ocispec.ImageConfig{}, nil
	}

	cfg := &ocispec.ImageConfig{
		User:       insp.Config.User,
		Env:        insp.Config.Env,
		Entrypoint: insp.Config.Entrypoint,
		Cmd:        insp.Config.Cmd,
		WorkingDir: insp.Config.WorkingDir,
		Labels:     insp.Config.Labels,
		StopSignal: insp.Config.StopSignal,
	}
	if len(insp.Config.ExposedPorts) > 0 {
		cfg.ExposedPorts = make(map[string]struct{}, len(insp.Config.ExposedPorts))
		for p := range insp.Config.ExposedPorts {
			cfg.ExposedPorts[string(p)] = struct{}{}
		}
	}
	if len(insp.Config.Volumes) > 0 {
		cfg.Volumes = insp.Config.Volumes
	}
	return cfg, nil
}
