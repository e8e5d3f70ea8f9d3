package storage

import "context"

// Columnar is the contract of the columnar analytics store. The core only
// issues tombstone DDL against it during person deletion; reads and the
// concrete client live outside the ingestion core.
type Columnar interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	Query(ctx context.Context, query string, args ...interface{}) ([][]interface{}, error)
}
