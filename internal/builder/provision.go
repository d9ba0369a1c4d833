package builder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// Guest identifies the distribution family of the packaged filesystem.
type Guest string

const (
	GuestDebian  Guest = "debian"
	GuestAlpine  Guest = "alpine"
	GuestFedora  Guest = "fedora"
	GuestUnknown Guest = "unknown"
)

// StepResult records the outcome of one in-guest configuration step. A
// non-nil Err downgrades the step to a warning; it never aborts the build.
type StepResult struct {
	Name string
	Err  error
}

// Warning renders a failed step for user-facing reporting.
func (r StepResult) Warning() string {
	return fmt.Sprintf("%s: %v", r.Name, r.Err)
}

// provisionStep is a single command executed inside the mounted image.
type provisionStep struct {
	name string
	argv []string
}

// detector is one predicate of the detection cascade: it inspects the
// mounted tree and claims a guest family, or passes.
type detector struct {
	guest Guest
	probe func(root string) bool
}

// osReleaseIDs maps /etc/os-release ID (and ID_LIKE) values to families.
var osReleaseIDs = map[string]Guest{
	"debian": GuestDebian,
	"ubuntu": GuestDebian,
	"alpine": GuestAlpine,
	"fedora": GuestFedora,
	"rhel":   GuestFedora,
	"centos": GuestFedora,
	"rocky":  GuestFedora,
	"alma":   GuestFedora,
}

// binaryProbes is the fallback cascade when release metadata is absent,
// evaluated in fixed priority order.
var binaryProbes = []detector{
	{GuestDebian, hasAny("usr/bin/apt-get", "usr/bin/apt")},
	{GuestAlpine, hasAny("sbin/apk", "usr/sbin/apk")},
	{GuestFedora, hasAny("usr/bin/dnf", "usr/bin/microdnf", "usr/bin/yum")},
}

func hasAny(paths ...string) func(string) bool {
	return func(root string) bool {
		for _, p := range paths {
			if _, err := os.Stat(filepath.Join(root, p)); err == nil {
				return true
			}
		}
		return false
	}
}

// DetectGuest identifies the guest distribution: release metadata first,
// then the binary probe cascade, ending in the explicit unknown variant.
func DetectGuest(root string) Guest {
	if g, ok := detectFromOSRelease(root); ok {
		return g
	}
	for _, d := range binaryProbes {
		if d.probe(root) {
			return d.guest
		}
	}
	return GuestUnknown
}

func detectFromOSRelease(root string) (Guest, bool) {
	for _, rel := range []string{"etc/os-release", "usr/lib/os-release"} {
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			continue
		}

		var id string
		var idLike []string
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case strings.HasPrefix(line, "ID="):
				id = strings.Trim(strings.TrimPrefix(line, "ID="), `"`)
			case strings.HasPrefix(line, "ID_LIKE="):
				idLike = strings.Fields(strings.Trim(strings.TrimPrefix(line, "ID_LIKE="), `"`))
			}
		}
		f.Close()

		if g, ok := osReleaseIDs[id]; ok {
			return g, true
		}
		for _, like := range idLike {
			if g, ok := osReleaseIDs[like]; ok {
				return g, true
			}
		}
	}
	return GuestUnknown, false
}

// provisionSteps is the capability dispatch table: the ordered in-guest
// configuration for each recognized family. Every family installs an SSH
// daemon and basic network utilities, enables the SSH and serial-getty
// services, and clears the root password (a deliberate convenience for
// ephemeral development VMs, not a production posture).
func provisionSteps(guest Guest) []provisionStep {
	switch guest {
	case GuestDebian:
		return []provisionStep{
			{"update package index", []string{"apt-get", "update"}},
			{"install ssh daemon and network utilities", []string{
				"env", "DEBIAN_FRONTEND=noninteractive",
				"apt-get", "install", "-y", "--no-install-recommends",
				"openssh-server", "iproute2", "udev"}},
			{"enable ssh service", []string{"systemctl", "enable", "ssh"}},
			{"enable serial console", []string{"systemctl", "enable", "serial-getty@ttyS0.service"}},
			{"clear root password", []string{"passwd", "-d", "root"}},
		}
	case GuestAlpine:
		return []provisionStep{
			{"install ssh daemon and network utilities", []string{
				"apk", "add", "--no-cache", "openssh", "openrc", "iproute2"}},
			{"enable ssh service", []string{"rc-update", "add", "sshd", "default"}},
			{"enable serial console", []string{"/bin/sh", "-c",
				`grep -q '^ttyS0' /etc/inittab || echo 'ttyS0::respawn:/sbin/getty -L ttyS0 115200 vt100' >> /etc/inittab`}},
			{"clear root password", []string{"passwd", "-d", "root"}},
		}
	case GuestFedora:
		return []provisionStep{
			{"install ssh daemon and network utilities", []string{
				"dnf", "install", "-y", "openssh-server", "iproute"}},
			{"enable ssh service", []string{"systemctl", "enable", "sshd"}},
			{"enable serial console", []string{"systemctl", "enable", "serial-getty@ttyS0.service"}},
			{"clear root password", []string{"passwd", "-d", "root"}},
		}
	default:
		return nil
	}
}

// ConfigureImage mounts the packaged image, detects the guest family, and
// runs the family's provisioning steps inside an isolated namespace context.
// Individual step failures are collected as warnings. Only failure to mount,
// enter, or unmount the image is fatal.
func (b *RootfsBuilder) configureImage(ctx context.Context) (Guest, []StepResult, error) {
	mnt, err := os.MkdirTemp("", "fch-mnt-*")
	if err != nil {
		return GuestUnknown, nil, failIO("create mount point", err)
	}
	b.resources.Push("mount point "+mnt, func() error {
		return os.RemoveAll(mnt)
	})

	if err := mountImage(ctx, b.req.OutputPath, mnt); err != nil {
		return GuestUnknown, nil, err
	}
	// Registered before any in-guest operation, so a failure mid-stream
	// still tears the mount down at drain time.
	b.resources.Push("loop mount of "+b.req.OutputPath, func() error {
		return unmountImage(mnt)
	})

	guest := DetectGuest(mnt)
	if guest == GuestUnknown {
		logging.Warn("Unrecognized guest distribution; skipping in-image configuration")
		results := []StepResult{{Name: "detect guest distribution",
			Err: fmt.Errorf("no release metadata or known package manager found")}}
		if err := unmountImage(mnt); err != nil {
			return guest, results, fail(KindNamespace, "unmount packaged image", err)
		}
		return guest, results, nil
	}
	logging.Info("Detected guest distribution", "family", guest)

	// Entry probe: a trivial command separates "cannot enter the image at
	// all" (fatal) from "a configuration step failed" (warning).
	if err := runInGuest(ctx, mnt, []string{"/bin/sh", "-c", "true"}); err != nil {
		return guest, nil, fail(KindNamespace, "enter packaged image", err)
	}

	var results []StepResult
	for _, step := range provisionSteps(guest) {
		logging.Info("Configuring guest", "step", step.name)
		if err := runInGuest(ctx, mnt, step.argv); err != nil {
			logging.Warn("Guest configuration step failed", "step", step.name, "error", err)
			results = append(results, StepResult{Name: step.name, Err: err})
			continue
		}
		results = append(results, StepResult{Name: step.name})
	}

	if err := unmountImage(mnt); err != nil {
		return guest, results, fail(KindNamespace, "unmount packaged image", err)
	}

	return guest, results, nil
}

// runInGuest executes argv inside the mounted tree via systemd-nspawn: an
// isolated namespace context equivalent to a lightweight container boot,
// with no network requirement and the console piped rather than attached.
func runInGuest(ctx context.Context, mnt string, argv []string) error {
	args := append([]string{"-D", mnt, "-q", "--console=pipe"}, argv...)
	cmd := exec.CommandContext(ctx, "systemd-nspawn", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// mountImage loop-mounts the image read-write at mnt.
func mountImage(ctx context.Context, imagePath, mnt string) error {
	cmd := exec.CommandContext(ctx, "mount", "-o", "loop", imagePath, mnt)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fail(KindNamespace, "mount packaged image: "+strings.TrimSpace(string(output)), err)
	}
	return nil
}

// unmountImage releases the mount, falling back to a lazy unmount when
// lingering references hold the ordinary path busy. Already-unmounted is
// not an error, which makes the registered release idempotent.
func unmountImage(mnt string) error {
	out, err := exec.Command("umount", mnt).CombinedOutput()
	if err == nil {
		return nil
	}
	if strings.Contains(string(out), "not mounted") || strings.Contains(string(out), "no mount point") {
		return nil
	}

	lazyOut, lazyErr := exec.Command("umount", "-l", mnt).CombinedOutput()
	if lazyErr == nil {
		logging.Warn("Ordinary unmount failed, released lazily", "mount", mnt)
		return nil
	}
	if strings.Contains(string(lazyOut), "not mounted") {
		return nil
	}
	return fmt.Errorf("umount %s: %w: %s", mnt, lazyErr, strings.TrimSpace(string(lazyOut)))
}
