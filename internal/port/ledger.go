package port

import (
	"time"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// TransferFilter narrows a ledger listing. Zero values match everything.
type TransferFilter struct {
	BatchID string
	Status  string
	Limit   int
}

// TransferLedger records the history of downloads.
type TransferLedger interface {
	// Record inserts the transfer or updates it if the ID already exists
	Record(t *domain.Transfer) error

	// Get retrieves a transfer by ID
	// Returns domain.ErrNotFound if it does not exist
	Get(id string) (*domain.Transfer, error)

	// List returns transfers, newest first
	List(filter TransferFilter) ([]*domain.Transfer, error)

	// LatestForDest returns the most recent transfer into dest
	// Returns domain.ErrNotFound if there is none
	LatestForDest(dest string) (*domain.Transfer, error)

	// Stats summarises the ledger
	Stats() (*domain.TransferStats, error)

	// Prune removes finished transfers older than the given age
	Prune(olderThan time.Duration) (int, error)

	// Close releases the ledger
	Close() error
}
