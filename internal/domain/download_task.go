package domain

import "time"

// Transfer status constants
const (
	TransferStatusInProgress = "in_progress"
	TransferStatusCompleted  = "completed"
	TransferStatusFailed     = "failed"
	TransferStatusCancelled  = "cancelled"
	TransferStatusSkipped    = "skipped"
)

// Verification state constants
const (
	VerificationNone   = "none"
	VerificationPassed = "passed"
	VerificationFailed = "failed"
)

// Transfer is the ledger record of one download. The downloader never sees
// it; the fetcher service fills it in from download results.
type Transfer struct {
	ID      string
	BatchID string
	URL     string
	Dest    string
	Status  string

	// Progress
	BytesDownloaded int64
	TotalSize       int64
	ResumedFrom     int64

	// Retry handling
	Attempts  int
	Restarts  int
	LastError string

	Verification string

	// Timestamps
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// NewTransfer creates an in-progress record for url → dest.
func NewTransfer(id, batchID, url, dest string, totalSize int64) *Transfer {
	now := time.Now()
	return &Transfer{
		ID:           id,
		BatchID:      batchID,
		URL:          url,
		Dest:         dest,
		Status:       TransferStatusInProgress,
		TotalSize:    totalSize,
		Verification: VerificationNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsTerminal returns true once the transfer can no longer change status.
func (t *Transfer) IsTerminal() bool {
	return t.Status != TransferStatusInProgress
}

// MarkCompleted records a successful download of size bytes.
func (t *Transfer) MarkCompleted(size int64) {
	t.BytesDownloaded = size
	t.LastError = ""
	t.finish(TransferStatusCompleted)
}

// MarkFailed records a terminal failure.
func (t *Transfer) MarkFailed(err error) {
	if err != nil {
		t.LastError = err.Error()
	}
	t.finish(TransferStatusFailed)
}

// MarkCancelled records a caller cancellation.
func (t *Transfer) MarkCancelled() {
	t.finish(TransferStatusCancelled)
}

// MarkSkipped records a download that was declined before touching the file.
func (t *Transfer) MarkSkipped() {
	t.finish(TransferStatusSkipped)
}

// MarkVerified records the chunklist verification outcome. A failed
// verification also fails the transfer.
func (t *Transfer) MarkVerified(err error) {
	t.UpdatedAt = time.Now()
	if err == nil {
		t.Verification = VerificationPassed
		return
	}
	t.Verification = VerificationFailed
	t.MarkFailed(err)
}

func (t *Transfer) finish(status string) {
	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	t.FinishedAt = &now
}

// TransferStats summarises the ledger.
type TransferStats struct {
	CompletedCount  int
	FailedCount     int
	CancelledCount  int
	InProgressCount int
	TotalBytes      int64
}
