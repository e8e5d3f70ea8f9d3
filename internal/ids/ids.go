// Package ids generates and validates the time-ordered identifiers used for
// events, persons and element groups. UUIDv7 keeps inserts roughly append-only
// in the row sink's btree indexes.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// InvalidUUIDError marks input that failed UUID validation. Events carrying
// one are rejected without retry.
type InvalidUUIDError struct {
	Value string
}

func (e *InvalidUUIDError) Error() string {
	return fmt.Sprintf("invalid uuid: %q", e.Value)
}

// New returns a fresh UUIDv7. If the entropy source fails (it does not, in
// practice, but the library reserves the right) we degrade to v4 rather than
// panic on the ingestion hot path.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Parse validates an externally supplied UUID string.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &InvalidUUIDError{Value: s}
	}
	return id, nil
}
