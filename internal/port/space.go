package port

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space available to the process in bytes
	UsedPct float64 // Used percentage (0-100)
}

// SpaceCheckResult contains detailed space availability information
type SpaceCheckResult struct {
	HasSpace      bool
	Dir           string
	RequiredBytes int64
	FreeBytes     int64
	ReserveBytes  int64
	DiskUsedPct   float64
}

// SpaceChecker checks a destination volume before a transfer starts.
type SpaceChecker interface {
	// CheckSpace reports whether required more bytes fit under dir while
	// keeping the configured reserve free
	CheckSpace(dir string, required int64) (*SpaceCheckResult, error)
}
