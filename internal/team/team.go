// Package team replicates per-team configuration into the ingestion process.
// Team rows are read-mostly; a short TTL keeps flag changes (anonymize_ips)
// visible without a database round-trip per event.
package team

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/metrics"
	"github.com/trackforge/ingest/internal/storage"
)

// DefaultTTL bounds how stale a cached team row may be.
const DefaultTTL = 2 * time.Minute

// Team is the read-only slice of posthog_team the core consumes.
type Team struct {
	ID            int
	Name          string
	AnonymizeIPs  bool
	IngestedEvent bool
}

// NotFoundError means the event referenced a team id with no row behind it.
type NotFoundError struct {
	ID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("team %d not found", e.ID)
}

type entry struct {
	team      *Team
	fetchedAt time.Time
}

// Cache is the per-process read-through team cache plus the per-team
// event/property definition sets.
type Cache struct {
	db  *storage.Postgres
	log *zap.SugaredLogger
	ttl time.Duration

	mu    sync.RWMutex
	teams map[int]entry
	defs  map[int]*definitionSet
}

func NewCache(db *storage.Postgres, ttl time.Duration, log *zap.SugaredLogger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		db:    db,
		log:   log,
		ttl:   ttl,
		teams: make(map[int]entry),
		defs:  make(map[int]*definitionSet),
	}
}

// Fetch returns the team, reading through to Postgres when the cached copy is
// absent or stale. Callers get their own copy; the cached struct is never
// handed out, so concurrent workers cannot observe each other's mutations.
func (c *Cache) Fetch(ctx context.Context, teamID int) (*Team, error) {
	c.mu.RLock()
	e, ok := c.teams[teamID]
	c.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < c.ttl {
		metrics.CacheHits.WithLabelValues("team", "hit").Inc()
		t := *e.team
		return &t, nil
	}
	metrics.CacheHits.WithLabelValues("team", "miss").Inc()

	t := &Team{}
	row := c.db.QueryRow(ctx, "fetchTeam",
		`SELECT id, name, anonymize_ips, ingested_event FROM posthog_team WHERE id = $1`, teamID)
	err := row.Scan(&t.ID, &t.Name, &t.AnonymizeIPs, &t.IngestedEvent)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ID: teamID}
	}
	if err != nil {
		return nil, fmt.Errorf("fetchTeam: %w", err)
	}

	stored := *t
	c.mu.Lock()
	c.teams[teamID] = entry{team: &stored, fetchedAt: time.Now()}
	c.mu.Unlock()
	return t, nil
}

// Invalidate drops a team (and its definition sets) from the cache.
func (c *Cache) Invalidate(teamID int) {
	c.mu.Lock()
	delete(c.teams, teamID)
	delete(c.defs, teamID)
	c.mu.Unlock()
}

// MarkFirstEventIngested flips posthog_team.ingested_event the first time a
// team records an event. Idempotent; the UI uses the flag for onboarding.
func (c *Cache) MarkFirstEventIngested(ctx context.Context, t *Team) error {
	if t.IngestedEvent {
		return nil
	}
	_, err := c.db.Exec(ctx, "markFirstEventIngested",
		`UPDATE posthog_team SET ingested_event = 't' WHERE id = $1`, t.ID)
	if err != nil {
		return err
	}
	t.IngestedEvent = true
	stored := *t
	c.mu.Lock()
	c.teams[t.ID] = entry{team: &stored, fetchedAt: time.Now()}
	c.mu.Unlock()
	return nil
}
