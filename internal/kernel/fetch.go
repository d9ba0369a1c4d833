// Package kernel locates and downloads prebuilt guest kernels from the
// Firecracker CI artifact bucket.
package kernel

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/nulvox/firecracker-helpers/internal/logging"
	"github.com/nulvox/firecracker-helpers/internal/utils"
)

// Options selects one kernel artifact from the bucket.
type Options struct {
	BucketURL  string // S3 website endpoint, no trailing slash required
	Prefix     string // key prefix to list under
	Version    string // kernel version substring, e.g. "5.10"; empty matches all
	Arch       string // target architecture; defaults to the host
	OutputPath string
	SHA256     string // optional expected digest
	Quiet      bool
}

// Artifact describes one candidate kernel object in the bucket.
type Artifact struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// listBucketResult is the subset of the S3 ListObjectsV2 response we read.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string    `xml:"Key"`
		Size         int64     `xml:"Size"`
		LastModified time.Time `xml:"LastModified"`
	} `xml:"Contents"`
}

// archAliases maps Go architecture names to the names used in artifact keys.
var archAliases = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
}

// normalizeArch resolves the requested architecture to the bucket's naming,
// defaulting to the host architecture.
func normalizeArch(arch string) string {
	if arch == "" {
		arch = runtime.GOARCH
	}
	if alias, ok := archAliases[arch]; ok {
		return alias
	}
	return arch
}

// Fetch finds the newest kernel matching the options and downloads it to
// OutputPath, verifying the checksum when one is given.
func Fetch(opts Options) (*Artifact, error) {
	arch := normalizeArch(opts.Arch)

	logging.Info("Listing kernel artifacts",
		"bucket", opts.BucketURL, "prefix", opts.Prefix, "arch", arch)

	candidates, err := listArtifacts(opts.BucketURL, opts.Prefix)
	if err != nil {
		return nil, err
	}

	best, err := selectArtifact(candidates, opts.Version, arch)
	if err != nil {
		return nil, err
	}

	logging.Info("Selected kernel",
		"key", best.Key, "modified", best.LastModified.Format(time.RFC3339))

	dlURL := strings.TrimSuffix(opts.BucketURL, "/") + "/" + best.Key
	if err := utils.DownloadFile(dlURL, opts.OutputPath, !opts.Quiet); err != nil {
		return nil, fmt.Errorf("failed to download kernel: %w", err)
	}

	if opts.SHA256 != "" {
		if err := utils.VerifyChecksum(opts.OutputPath, opts.SHA256); err != nil {
			return nil, err
		}
	}

	return best, nil
}

// listArtifacts walks the bucket listing under prefix, following
// continuation tokens until the listing is complete.
func listArtifacts(bucketURL, prefix string) ([]Artifact, error) {
	var artifacts []Artifact
	token := ""

	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", prefix)
		if token != "" {
			q.Set("continuation-token", token)
		}
		listURL := strings.TrimSuffix(bucketURL, "/") + "/?" + q.Encode()

		page, err := fetchListing(listURL)
		if err != nil {
			return nil, err
		}

		for _, obj := range page.Contents {
			artifacts = append(artifacts, Artifact{
				Key:          obj.Key,
				Size:         obj.Size,
				LastModified: obj.LastModified,
			})
		}

		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	logging.Debug("Bucket listing complete", "objects", len(artifacts))
	return artifacts, nil
}

func fetchListing(listURL string) (*listBucketResult, error) {
	resp, err := utils.Get(listURL)
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bucket listing failed with status %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket listing: %w", err)
	}

	var page listBucketResult
	if err := xml.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse bucket listing: %w", err)
	}
	return &page, nil
}

// selectArtifact filters the candidates down to uncompressed kernel images
// matching the version and architecture, and picks the most recently
// published one.
func selectArtifact(candidates []Artifact, version, arch string) (*Artifact, error) {
	var matches []Artifact
	for _, a := range candidates {
		base := a.Key[strings.LastIndex(a.Key, "/")+1:]
		if !strings.Contains(base, "vmlinux") {
			continue
		}
		// Skip config files and compressed variants.
		if strings.HasSuffix(base, ".config") || strings.HasSuffix(base, ".gz") {
			continue
		}
		if version != "" && !strings.Contains(a.Key, version) {
			continue
		}
		if arch != "" && !strings.Contains(a.Key, arch) {
			continue
		}
		matches = append(matches, a)
	}

	if len(matches) == 0 {
		return nil, fmt.Errorf("no kernel found matching version %q and arch %q", version, arch)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].LastModified.After(matches[j].LastModified)
	})
	return &matches[0], nil
}
