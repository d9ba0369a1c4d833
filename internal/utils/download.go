// Package utils provides download and checksum helpers.
package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/schollz/progressbar/v3"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// newHTTPClient builds the retrying client used for all artifact downloads.
// CI object stores throttle aggressively; transient failures retry with
// backoff instead of failing the fetch.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.Logger = nil
	return rc.StandardClient()
}

// DownloadFile downloads a URL to destPath with optional progress output.
func DownloadFile(url, destPath string, showProgress bool) error {
	logging.Debug("Downloading file", "url", url, "dest", destPath)

	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	resp, err := newHTTPClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to download from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d: %s", resp.StatusCode, resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", destPath, err)
	}
	defer out.Close()

	if showProgress && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(
			resp.ContentLength,
			fmt.Sprintf("Downloading %s", filepath.Base(destPath)),
		)
		_, err = io.Copy(io.MultiWriter(out, bar), resp.Body)
	} else {
		_, err = io.Copy(out, resp.Body)
	}

	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}

	logging.Debug("Download complete", "file", destPath)
	return nil
}

// Get performs a retrying GET and returns the response. The caller owns the
// body.
func Get(url string) (*http.Response, error) {
	return newHTTPClient().Get(url)
}
