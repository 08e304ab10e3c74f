package recovery

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// BoardCatalog maps board IDs to the macOS version they recover.
type BoardCatalog map[string]string

// LoadBoardCatalog reads a board catalog. The file is YAML, so the JSON
// boards.json format is accepted as well. A missing file yields an empty
// catalog.
func LoadBoardCatalog(path string) (BoardCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BoardCatalog{}, nil
		}
		return nil, fmt.Errorf("failed to read board catalog: %w", err)
	}

	catalog := BoardCatalog{}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse board catalog: %w", err)
	}
	return catalog, nil
}

// Version returns the version for boardID, or "Unknown".
func (b BoardCatalog) Version(boardID string) string {
	if v, ok := b[boardID]; ok {
		return v
	}
	return "Unknown"
}

// Boards returns the board IDs in sorted order.
func (b BoardCatalog) Boards() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
