package filesystem

import (
	"os"
	"path/filepath"

	"github.com/vertextoedge/installer-fetch/internal/port"
)

// SpaceChecker compares a transfer's remaining bytes with the free space of
// the destination volume.
type SpaceChecker struct {
	reserve int64
	usage   func(dir string) (*port.DiskUsage, error)
}

// Ensure SpaceChecker implements port.SpaceChecker
var _ port.SpaceChecker = (*SpaceChecker)(nil)

// NewSpaceChecker creates a checker that keeps reserveBytes free
func NewSpaceChecker(reserveBytes int64) *SpaceChecker {
	if reserveBytes < 0 {
		reserveBytes = 0
	}
	return &SpaceChecker{
		reserve: reserveBytes,
		usage:   DiskUsage,
	}
}

// CheckSpace checks if required more bytes fit under dir. dir need not exist
// yet; the nearest existing ancestor is measured.
func (c *SpaceChecker) CheckSpace(dir string, required int64) (*port.SpaceCheckResult, error) {
	measured := existingAncestor(dir)

	usage, err := c.usage(measured)
	if err != nil {
		return nil, err
	}

	result := &port.SpaceCheckResult{
		Dir:           measured,
		RequiredBytes: required,
		FreeBytes:     int64(usage.Free),
		ReserveBytes:  c.reserve,
		DiskUsedPct:   usage.UsedPct,
	}
	result.HasSpace = required <= 0 || result.FreeBytes-c.reserve >= required
	return result, nil
}

func existingAncestor(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func usedPct(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
