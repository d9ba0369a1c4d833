// Package builder implements the rootfs image pipeline: resolve a container
// image, extract its filesystem, size and format a block-device image,
// inject boot-time configuration, and release every acquired resource in
// reverse order on any exit path.
package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulvox/firecracker-helpers/internal/cleanup"
	"github.com/nulvox/firecracker-helpers/internal/logging"
	"github.com/nulvox/firecracker-helpers/internal/runtime"
)

// requiredTools are the external binaries the pipeline shells out to. Their
// absence is detected once up front, not per operation.
var requiredTools = []string{"mkfs.ext4", "mount", "umount", "systemd-nspawn"}

// Request describes one rootfs build. Exactly one of ImageRef and
// Dockerfile must be set.
type Request struct {
	ImageRef    string
	Dockerfile  string
	ContextDir  string // Dockerfile build context; defaults to its directory
	OutputPath  string // defaults to a name derived from the input
	WorkDir     string // invocation directory; key files land here
	MarginBytes uint64
	Quiet       bool
}

// ResolvedImage is the normalized build input: one image tag ready to
// export. Ephemeral marks an image built solely for this run, owned by the
// run's cleanup.
type ResolvedImage struct {
	Tag       string
	Ephemeral bool
}

// Result reports a completed build.
type Result struct {
	Image          string
	OutputPath     string
	PrivateKeyPath string
	Plan           SizePlan
	Guest          Guest
	Warnings       []string
	Duration       time.Duration
}

// RootfsBuilder orchestrates one build request. Phases run strictly
// sequentially; each depends on the previous phase's durable output.
type RootfsBuilder struct {
	rt        *runtime.Client
	req       Request
	resources *cleanup.Registry

	resolved     ResolvedImage
	containerID  string
	treeDir      string
	plan         SizePlan
	keys         KeyPair
	showProgress bool
}

// NewRootfsBuilder creates a builder for one request.
func NewRootfsBuilder(rt *runtime.Client, req Request) *RootfsBuilder {
	return &RootfsBuilder{
		rt:           rt,
		req:          req,
		resources:    cleanup.NewRegistry(),
		showProgress: !req.Quiet,
	}
}

// CheckEnvironment verifies every external tool the pipeline needs, listing
// all missing binaries at once. The container runtime itself is checked by
// runtime.Connect.
func CheckEnvironment() error {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return failf(KindEnvironment, "missing required tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateRequest checks the request before any resource is acquired, and
// fills in derivable defaults (output path, work directory).
func ValidateRequest(req *Request) error {
	if (req.ImageRef == "") == (req.Dockerfile == "") {
		return failf(KindInput, "exactly one of --image and --dockerfile must be given")
	}
	if req.Dockerfile != "" {
		abs, err := filepath.Abs(req.Dockerfile)
		if err != nil {
			return fail(KindInput, "resolve dockerfile path", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return fail(KindInput, fmt.Sprintf("dockerfile %s", req.Dockerfile), err)
		}
		if info.IsDir() {
			return failf(KindInput, "dockerfile path %s is a directory", req.Dockerfile)
		}
		req.Dockerfile = abs
		if req.ContextDir == "" {
			req.ContextDir = filepath.Dir(abs)
		} else if abs, err := filepath.Abs(req.ContextDir); err == nil {
			req.ContextDir = abs
		}
	}
	if req.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fail(KindInput, "determine working directory", err)
		}
		req.WorkDir = wd
	}
	if req.OutputPath == "" {
		req.OutputPath = DefaultOutputName(req.ImageRef, req.ContextDir)
	}
	return nil
}

// DefaultOutputName derives the artifact name from the image reference
// ("alpine:latest" -> "alpine-latest.ext4") or, for Dockerfile builds, from
// the context directory's base name.
func DefaultOutputName(imageRef, contextDir string) string {
	base := "rootfs"
	if imageRef != "" {
		base = sanitizeName(imageRef)
	} else if contextDir != "" {
		if b := filepath.Base(contextDir); b != "." && b != string(filepath.Separator) {
			base = sanitizeName(b)
		}
	}
	return base + ".ext4"
}

func sanitizeName(ref string) string {
	// Drop digest and registry path components, keep name and tag.
	if i := strings.LastIndex(ref, "@"); i > 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	ref = strings.ReplaceAll(ref, ":", "-")
	ref = strings.ReplaceAll(ref, " ", "-")
	return strings.ToLower(ref)
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), uuid.NewString()[:8])
}

// Build runs the pipeline. Every acquired resource is registered before its
// first fallible use and released in reverse order when Build returns, on
// success and failure alike.
func (b *RootfsBuilder) Build(ctx context.Context) (*Result, error) {
	start := time.Now()

	if err := ValidateRequest(&b.req); err != nil {
		return nil, err
	}
	if err := CheckEnvironment(); err != nil {
		return nil, err
	}

	defer b.resources.Drain()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"Resolve image source", b.resolveSource},
		{"Extract container filesystem", b.stepExtract},
		{"Plan image capacity", b.stepPlanCapacity},
		{"Provision root credentials", b.stepCredentials},
		{"Package filesystem image", b.stepPackage},
	}

	for _, step := range steps {
		logging.Info(step.name)
		if err := step.fn(ctx); err != nil {
			return nil, err
		}
	}

	logging.Info("Configure guest image")
	guest, stepResults, err := b.configureImage(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Image:          b.resolved.Tag,
		OutputPath:     b.req.OutputPath,
		PrivateKeyPath: b.keys.PrivateKeyPath,
		Plan:           b.plan,
		Guest:          guest,
		Duration:       time.Since(start),
	}
	for _, sr := range stepResults {
		if sr.Err != nil {
			res.Warnings = append(res.Warnings, sr.Warning())
		}
	}

	logging.Info("Rootfs build complete",
		"output", res.OutputPath,
		"guest", res.Guest,
		"warnings", len(res.Warnings))
	return res, nil
}

// resolveSource normalizes the build input into one ready-to-export image
// tag. Dockerfile builds produce an ephemeral image owned by this run.
func (b *RootfsBuilder) resolveSource(ctx context.Context) error {
	if b.req.Dockerfile != "" {
		tag := uniqueName("fch-build")
		if err := b.rt.BuildImage(ctx, b.req.ContextDir, b.req.Dockerfile, tag); err != nil {
			return fail(KindBuild, "build image from dockerfile", err)
		}
		b.resolved = ResolvedImage{Tag: tag, Ephemeral: true}
		b.resources.Push("ephemeral image "+tag, func() error {
			cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return b.rt.RemoveImage(cctx, tag)
		})
		return nil
	}

	exists, err := b.rt.ImageExists(ctx, b.req.ImageRef)
	if err != nil {
		return fail(KindFetch, "check local image store", err)
	}
	if !exists {
		if err := b.rt.PullImage(ctx, b.req.ImageRef); err != nil {
			return fail(KindFetch, "fetch image", err)
		}
	}
	b.resolved = ResolvedImage{Tag: b.req.ImageRef}
	return nil
}

func (b *RootfsBuilder) stepExtract(ctx context.Context) error {
	tree, err := ensureTreeDir("")
	if err != nil {
		return err
	}
	b.treeDir = tree
	b.resources.Push("working tree "+tree, func() error {
		return os.RemoveAll(tree)
	})

	if err := b.extractFilesystem(ctx); err != nil {
		return err
	}
	return b.embedImageConfig(ctx, b.rt)
}

func (b *RootfsBuilder) stepPlanCapacity(ctx context.Context) error {
	// Zero is a legal margin; callers that want the 512 MiB default resolve
	// it before building the request.
	plan, err := PlanCapacity(b.treeDir, b.req.MarginBytes)
	if err != nil {
		return err
	}
	b.plan = plan
	return nil
}

func (b *RootfsBuilder) stepCredentials(ctx context.Context) error {
	keys, err := ProvisionCredentials(b.req.WorkDir, b.treeDir, b.req.OutputPath)
	if err != nil {
		return err
	}
	b.keys = keys
	return nil
}

func (b *RootfsBuilder) stepPackage(ctx context.Context) error {
	return PackageImage(ctx, b.treeDir, b.req.OutputPath, b.plan)
}
