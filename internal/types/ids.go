package types

import (
	"github.com/google/uuid"
)

// NewRecordID generates a UUIDv7 identifier for append-only rows
// (rule history, file outcomes, glosa records).
// Time-ordered IDs keep sequential inserts clustered in B-tree pages.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewRecordID() string {
	return uuid.Must(uuid.NewV7()).String()
}
