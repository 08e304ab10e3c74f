package sqlite

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/port"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_RecordAndGet(t *testing.T) {
	store := openTestStore(t)

	tr := domain.NewTransfer("t1", "b1", "http://example.com/a.pkg", "/tmp/a.pkg", 100)
	if err := store.Record(tr); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.TransferStatusInProgress {
		t.Errorf("Status = %v, want %v", got.Status, domain.TransferStatusInProgress)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}

	tr.Attempts = 3
	tr.ResumedFrom = 40
	tr.MarkCompleted(100)
	tr.MarkVerified(nil)
	if err := store.Record(tr); err != nil {
		t.Fatalf("Record() update error = %v", err)
	}

	got, err = store.Get("t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.TransferStatusCompleted {
		t.Errorf("Status = %v, want %v", got.Status, domain.TransferStatusCompleted)
	}
	if got.BytesDownloaded != 100 || got.Attempts != 3 || got.ResumedFrom != 40 {
		t.Errorf("got = %+v", got)
	}
	if got.Verification != domain.VerificationPassed {
		t.Errorf("Verification = %v, want %v", got.Verification, domain.VerificationPassed)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt = nil, want set")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := store.LatestForDest("/nowhere"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("LatestForDest() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListAndStats(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().Add(-time.Hour)

	records := []struct {
		id, batch, status string
		bytes             int64
	}{
		{"a", "b1", domain.TransferStatusCompleted, 10},
		{"b", "b1", domain.TransferStatusFailed, 0},
		{"c", "b2", domain.TransferStatusCompleted, 32},
		{"d", "b2", domain.TransferStatusCancelled, 5},
	}
	for i, r := range records {
		tr := domain.NewTransfer(r.id, r.batch, "http://example.com/"+r.id, "/tmp/"+r.id, 100)
		tr.Status = r.status
		tr.BytesDownloaded = r.bytes
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		tr.UpdatedAt = tr.CreatedAt
		if err := store.Record(tr); err != nil {
			t.Fatalf("Record(%s) error = %v", r.id, err)
		}
	}

	all, err := store.List(port.TransferFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 || all[0].ID != "d" {
		t.Errorf("List() returned %d transfers, first %q; want 4, newest first", len(all), all[0].ID)
	}

	batch, err := store.List(port.TransferFilter{BatchID: "b1"})
	if err != nil {
		t.Fatalf("List(batch) error = %v", err)
	}
	if len(batch) != 2 {
		t.Errorf("List(batch) = %d, want 2", len(batch))
	}

	completed, err := store.List(port.TransferFilter{Status: domain.TransferStatusCompleted, Limit: 1})
	if err != nil {
		t.Fatalf("List(status) error = %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "c" {
		t.Errorf("List(status, limit) = %v", completed)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := domain.TransferStats{CompletedCount: 2, FailedCount: 1, CancelledCount: 1, TotalBytes: 42}
	if *stats != want {
		t.Errorf("Stats() = %+v, want %+v", *stats, want)
	}
}

func TestStore_LatestForDest(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"old", "new"} {
		tr := domain.NewTransfer(id, "", "http://example.com/a", "/tmp/a", 100)
		tr.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		store.Record(tr)
	}

	got, err := store.LatestForDest("/tmp/a")
	if err != nil {
		t.Fatalf("LatestForDest() error = %v", err)
	}
	if got.ID != "new" {
		t.Errorf("LatestForDest() = %q, want new", got.ID)
	}
}

func TestStore_Prune(t *testing.T) {
	store := openTestStore(t)

	old := domain.NewTransfer("old", "", "http://example.com/a", "/tmp/a", 1)
	old.MarkCompleted(1)
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)
	store.Record(old)

	stuck := domain.NewTransfer("stuck", "", "http://example.com/b", "/tmp/b", 1)
	stuck.UpdatedAt = time.Now().Add(-48 * time.Hour)
	store.Record(stuck)

	recent := domain.NewTransfer("recent", "", "http://example.com/c", "/tmp/c", 1)
	recent.MarkCompleted(1)
	store.Record(recent)

	n, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := store.Get("old"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("old transfer still present: %v", err)
	}
	if _, err := store.Get("stuck"); err != nil {
		t.Errorf("in-progress transfer pruned: %v", err)
	}
}
