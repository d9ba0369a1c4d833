package kernel

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNormalizeArch(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"amd64", "x86_64"},
		{"arm64", "aarch64"},
		{"x86_64", "x86_64"},
		{"aarch64", "aarch64"},
	}
	for _, tt := range tests {
		if got := normalizeArch(tt.in); got != tt.want {
			t.Errorf("normalizeArch(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSelectArtifact(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	candidates := []Artifact{
		{Key: "firecracker-ci/v1.10/x86_64/vmlinux-5.10.225", LastModified: older},
		{Key: "firecracker-ci/v1.11/x86_64/vmlinux-5.10.230", LastModified: newer},
		{Key: "firecracker-ci/v1.11/x86_64/vmlinux-6.1.102", LastModified: newer},
		{Key: "firecracker-ci/v1.11/aarch64/vmlinux-5.10.230", LastModified: newer},
		{Key: "firecracker-ci/v1.11/x86_64/vmlinux-5.10.230.config", LastModified: newer},
		{Key: "firecracker-ci/v1.11/x86_64/ubuntu-22.04.squashfs", LastModified: newer},
	}

	t.Run("newest matching version and arch", func(t *testing.T) {
		got, err := selectArtifact(candidates, "5.10", "x86_64")
		if err != nil {
			t.Fatalf("selectArtifact: %v", err)
		}
		want := "firecracker-ci/v1.11/x86_64/vmlinux-5.10.230"
		if got.Key != want {
			t.Errorf("selected %q, want %q", got.Key, want)
		}
	})

	t.Run("any version picks newest", func(t *testing.T) {
		got, err := selectArtifact(candidates, "", "aarch64")
		if err != nil {
			t.Fatalf("selectArtifact: %v", err)
		}
		if got.Key != "firecracker-ci/v1.11/aarch64/vmlinux-5.10.230" {
			t.Errorf("unexpected selection %q", got.Key)
		}
	})

	t.Run("no match", func(t *testing.T) {
		if _, err := selectArtifact(candidates, "4.14", "x86_64"); err == nil {
			t.Error("expected error for unmatched version")
		}
	})

	t.Run("config files excluded", func(t *testing.T) {
		got, err := selectArtifact(candidates, "5.10.230", "x86_64")
		if err != nil {
			t.Fatalf("selectArtifact: %v", err)
		}
		if filepath.Ext(got.Key) == ".config" {
			t.Errorf("selected config file %q", got.Key)
		}
	})
}

func TestFetch(t *testing.T) {
	kernelBody := []byte("fake kernel image bytes")

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("list-type") != "2" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>firecracker-ci/v1.11/x86_64/vmlinux-5.10.230</Key>
    <Size>23</Size>
    <LastModified>2024-06-01T00:00:00.000Z</LastModified>
  </Contents>
  <Contents>
    <Key>firecracker-ci/v1.10/x86_64/vmlinux-5.10.225</Key>
    <Size>23</Size>
    <LastModified>2024-01-01T00:00:00.000Z</LastModified>
  </Contents>
</ListBucketResult>`)
	})
	mux.HandleFunc("/firecracker-ci/v1.11/x86_64/vmlinux-5.10.230", func(w http.ResponseWriter, r *http.Request) {
		w.Write(kernelBody)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "vmlinux")
	art, err := Fetch(Options{
		BucketURL:  srv.URL,
		Prefix:     "firecracker-ci/",
		Version:    "5.10",
		Arch:       "x86_64",
		OutputPath: out,
		Quiet:      true,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if art.Key != "firecracker-ci/v1.11/x86_64/vmlinux-5.10.230" {
		t.Errorf("fetched %q, want newest 5.10 kernel", art.Key)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != string(kernelBody) {
		t.Errorf("downloaded content mismatch")
	}
}

func TestFetchChecksumMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>firecracker-ci/v1.11/x86_64/vmlinux-5.10.230</Key>
    <Size>5</Size>
    <LastModified>2024-06-01T00:00:00.000Z</LastModified>
  </Contents>
</ListBucketResult>`)
	})
	mux.HandleFunc("/firecracker-ci/v1.11/x86_64/vmlinux-5.10.230", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := Fetch(Options{
		BucketURL:  srv.URL,
		Prefix:     "firecracker-ci/",
		Arch:       "x86_64",
		OutputPath: filepath.Join(t.TempDir(), "vmlinux"),
		SHA256:     "0000000000000000000000000000000000000000000000000000000000000000",
		Quiet:      true,
	})
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
