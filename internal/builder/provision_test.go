package builder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return root
}

func TestDetectGuest(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  Guest
	}{
		{
			name:  "debian os-release",
			files: map[string]string{"etc/os-release": "ID=debian\nVERSION_ID=\"12\"\n"},
			want:  GuestDebian,
		},
		{
			name:  "ubuntu maps to debian",
			files: map[string]string{"etc/os-release": `ID="ubuntu"` + "\n"},
			want:  GuestDebian,
		},
		{
			name:  "alpine os-release",
			files: map[string]string{"etc/os-release": "ID=alpine\n"},
			want:  GuestAlpine,
		},
		{
			name:  "rocky via ID_LIKE",
			files: map[string]string{"etc/os-release": "ID=rockylinux\nID_LIKE=\"rhel centos fedora\"\n"},
			want:  GuestFedora,
		},
		{
			name:  "usr lib fallback location",
			files: map[string]string{"usr/lib/os-release": "ID=fedora\n"},
			want:  GuestFedora,
		},
		{
			name:  "no metadata, apt binary",
			files: map[string]string{"usr/bin/apt-get": ""},
			want:  GuestDebian,
		},
		{
			name:  "no metadata, apk binary",
			files: map[string]string{"sbin/apk": ""},
			want:  GuestAlpine,
		},
		{
			name:  "no metadata, microdnf binary",
			files: map[string]string{"usr/bin/microdnf": ""},
			want:  GuestFedora,
		},
		{
			name:  "unrecognized distro with no known tools",
			files: map[string]string{"etc/os-release": "ID=plan9\n"},
			want:  GuestUnknown,
		},
		{
			name:  "empty tree",
			files: map[string]string{},
			want:  GuestUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectGuest(writeTree(t, tt.files)); got != tt.want {
				t.Errorf("DetectGuest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectGuestMetadataBeatsProbes(t *testing.T) {
	// Release metadata wins over package-manager binaries when both exist.
	root := writeTree(t, map[string]string{
		"etc/os-release": "ID=alpine\n",
		"usr/bin/dnf":    "",
	})
	if got := DetectGuest(root); got != GuestAlpine {
		t.Errorf("DetectGuest = %q, want alpine", got)
	}
}

func TestProvisionSteps(t *testing.T) {
	for _, guest := range []Guest{GuestDebian, GuestAlpine, GuestFedora} {
		t.Run(string(guest), func(t *testing.T) {
			steps := provisionSteps(guest)
			if len(steps) == 0 {
				t.Fatalf("no steps for %s", guest)
			}

			var joined []string
			for _, s := range steps {
				joined = append(joined, strings.Join(s.argv, " "))
			}
			all := strings.Join(joined, "\n")

			if !strings.Contains(all, "openssh") {
				t.Errorf("%s steps do not install an ssh daemon:\n%s", guest, all)
			}
			if !strings.Contains(all, "ttyS0") {
				t.Errorf("%s steps do not enable the serial console:\n%s", guest, all)
			}
			last := steps[len(steps)-1]
			if strings.Join(last.argv, " ") != "passwd -d root" {
				t.Errorf("%s final step = %v, want root password clear", guest, last.argv)
			}
		})
	}
}

func TestProvisionStepsUnknownEmpty(t *testing.T) {
	if steps := provisionSteps(GuestUnknown); steps != nil {
		t.Errorf("unknown guest has %d steps, want none", len(steps))
	}
}

func TestStepResultWarning(t *testing.T) {
	r := StepResult{Name: "enable ssh service", Err: os.ErrPermission}
	if w := r.Warning(); !strings.Contains(w, "enable ssh service") {
		t.Errorf("Warning() = %q", w)
	}
}
