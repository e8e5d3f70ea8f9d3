// Package person owns the persistent identity state: person rows, their
// distinct-id mappings, and the dual-sink mirroring of both. All writes go
// through Store; the identity resolver is the only caller that mutates
// mappings, the emitter only creates lazily.
package person

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrRaceCondition signals that a concurrent worker mutated identity state
// between our read and write. It drives protocol retries and is never fatal
// by itself.
var ErrRaceCondition = errors.New("person state changed concurrently")

// Log-sink topics mirroring the relational person tables.
const (
	TopicPerson           = "clickhouse_person"
	TopicPersonDistinctID = "clickhouse_person_distinct_id"
)

// Person is the canonical identity a set of distinct-ids collapses to.
type Person struct {
	ID           int64
	UUID         uuid.UUID
	TeamID       int
	CreatedAt    time.Time
	Properties   map[string]interface{}
	IsIdentified bool
	IsUserID     *int
}

// DistinctID maps one client-side identifier to a person. (team_id,
// distinct_id) is unique: a distinct-id belongs to exactly one person at any
// instant.
type DistinctID struct {
	ID         int64
	PersonID   int64
	DistinctID string
	TeamID     int
}
