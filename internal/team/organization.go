package team

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trackforge/ingest/internal/storage"
)

// Organization is the owning entity of one or more teams.
type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FetchOrganization loads an organization row by id.
func FetchOrganization(ctx context.Context, db *storage.Postgres, id string) (*Organization, error) {
	org := &Organization{}
	row := db.QueryRow(ctx, "fetchOrganization",
		`SELECT id, name, created_at, updated_at FROM posthog_organization WHERE id = $1`, id)
	err := row.Scan(&org.ID, &org.Name, &org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetchOrganization: %w", err)
	}
	return org, nil
}
