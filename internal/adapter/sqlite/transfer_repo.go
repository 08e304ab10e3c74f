package sqlite

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vertextoedge/installer-fetch/internal/domain"
	"github.com/vertextoedge/installer-fetch/internal/port"
)

const transferColumns = `id, batch_id, url, dest, status, bytes_downloaded, total_size,
	resumed_from, attempts, restarts, last_error, verification,
	created_at, updated_at, finished_at`

// Record inserts or updates a transfer
func (s *Store) Record(t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			bytes_downloaded = excluded.bytes_downloaded,
			total_size = excluded.total_size,
			resumed_from = excluded.resumed_from,
			attempts = excluded.attempts,
			restarts = excluded.restarts,
			last_error = excluded.last_error,
			verification = excluded.verification,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`

	var lastError sql.NullString
	var finishedAt sql.NullTime

	if t.LastError != "" {
		lastError = sql.NullString{String: t.LastError, Valid: true}
	}
	if t.FinishedAt != nil {
		finishedAt = sql.NullTime{Time: *t.FinishedAt, Valid: true}
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	if t.Verification == "" {
		t.Verification = domain.VerificationNone
	}

	_, err := s.db.Exec(query,
		t.ID, t.BatchID, t.URL, t.Dest, t.Status, t.BytesDownloaded, t.TotalSize,
		t.ResumedFrom, t.Attempts, t.Restarts, lastError, t.Verification,
		t.CreatedAt, t.UpdatedAt, finishedAt)
	return err
}

// Get retrieves a transfer by ID
func (s *Store) Get(id string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = ?`
	return scanTransfer(s.db.QueryRow(query, id))
}

// LatestForDest returns the most recent transfer into dest
func (s *Store) LatestForDest(dest string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE dest = ?
		ORDER BY created_at DESC
		LIMIT 1`
	return scanTransfer(s.db.QueryRow(query, dest))
}

// List returns transfers matching filter, newest first
func (s *Store) List(filter port.TransferFilter) ([]*domain.Transfer, error) {
	var where []string
	var args []any

	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// Stats summarises the ledger
func (s *Store) Stats() (*domain.TransferStats, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN bytes_downloaded ELSE 0 END), 0)
		FROM transfers
	`

	stats := &domain.TransferStats{}
	err := s.db.QueryRow(query).Scan(
		&stats.CompletedCount, &stats.FailedCount, &stats.CancelledCount,
		&stats.InProgressCount, &stats.TotalBytes,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Prune removes finished transfers older than olderThan
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	query := `
		DELETE FROM transfers
		WHERE status != 'in_progress'
		  AND updated_at < ?
	`

	result, err := s.db.Exec(query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	t := &domain.Transfer{}
	var lastError sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.BatchID, &t.URL, &t.Dest, &t.Status, &t.BytesDownloaded, &t.TotalSize,
		&t.ResumedFrom, &t.Attempts, &t.Restarts, &lastError, &t.Verification,
		&t.CreatedAt, &t.UpdatedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastError.Valid {
		t.LastError = lastError.String
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}

	return t, nil
}
