package builder

import (
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// SizePlan is the capacity computation for the target image. It is derived
// once from the extracted tree and never re-read after packaging starts.
type SizePlan struct {
	ContentBytes uint64
	MarginBytes  uint64
	TotalBytes   uint64
}

// PlanCapacity walks the extracted tree and computes the target image size.
// Symlinks are never followed; their own size counts, their targets do not.
// Read failures on the tree indicate a corrupted extraction and are fatal.
func PlanCapacity(tree string, marginBytes uint64) (SizePlan, error) {
	var content uint64
	err := filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content += uint64(info.Size())
		return nil
	})
	if err != nil {
		return SizePlan{}, failIO("size extracted tree", err)
	}

	plan := SizePlan{
		ContentBytes: content,
		MarginBytes:  marginBytes,
		TotalBytes:   content + marginBytes,
	}

	logging.Info("Planned image capacity",
		"content", humanize.IBytes(plan.ContentBytes),
		"margin", humanize.IBytes(plan.MarginBytes),
		"total", humanize.IBytes(plan.TotalBytes))

	return plan, nil
}
