// Package identity implements $identify / $create_alias semantics and the
// person merge protocol. It is the sole writer of person and distinct-id
// mappings; peer workers race freely and the protocol reconciles via unique
// constraints, bounded retries, and one alias restart.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/ids"
	"github.com/trackforge/ingest/internal/metrics"
	"github.com/trackforge/ingest/internal/person"
	"github.com/trackforge/ingest/internal/report"
	"github.com/trackforge/ingest/internal/storage"
)

// MaxMergeAttempts caps the merge retry budget, counted across both
// race-condition restarts and delete retries.
const MaxMergeAttempts = 3

// PersonStore is the slice of the person store the resolver mutates through.
type PersonStore interface {
	Fetch(ctx context.Context, teamID int, distinctID string) (*person.Person, error)
	Create(ctx context.Context, createdAt time.Time, properties map[string]interface{},
		teamID int, isUserID *int, isIdentified bool, uid uuid.UUID, distinctIDs []string) (*person.Person, error)
	Update(ctx context.Context, p *person.Person, patch map[string]interface{}) (*person.Person, error)
	Delete(ctx context.Context, p *person.Person) error
	AddDistinctID(ctx context.Context, p *person.Person, distinctID string) error
	MoveDistinctIDs(ctx context.Context, other, into *person.Person) error
	DistinctIDs(ctx context.Context, p *person.Person) ([]string, error)
	ReassignCohorts(ctx context.Context, from, to *person.Person) error
}

type Resolver struct {
	store    PersonStore
	log      *zap.SugaredLogger
	reporter report.Reporter
}

func NewResolver(store PersonStore, log *zap.SugaredLogger, reporter report.Reporter) *Resolver {
	return &Resolver{store: store, log: log, reporter: reporter}
}

// HandleIdentifyOrAlias dispatches identity work for one event. Events other
// than $create_alias / $identify do no identity work here; the capture path
// ensures the person exists.
func (r *Resolver) HandleIdentifyOrAlias(ctx context.Context, eventName string,
	properties map[string]interface{}, distinctID string, teamID int) error {

	switch eventName {
	case "$create_alias":
		alias, _ := properties["alias"].(string)
		if alias == "" {
			return nil
		}
		return r.Alias(ctx, alias, distinctID, teamID, true, 0)

	case "$identify":
		if anon, _ := properties["$anon_distinct_id"].(string); anon != "" {
			if err := r.Alias(ctx, anon, distinctID, teamID, true, 0); err != nil {
				return err
			}
		}
		return r.SetIsIdentified(ctx, teamID, distinctID)
	}
	return nil
}

// SetIsIdentified marks the person behind (teamID, distinctID) as identified,
// creating it if this is the first sighting. Creation races resolve through
// the unique constraint: the loser re-fetches the winner's row.
func (r *Resolver) SetIsIdentified(ctx context.Context, teamID int, distinctID string) error {
	p, err := r.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if p == nil {
		p, err = r.store.Create(ctx, time.Now().UTC(), nil, teamID, nil, true, ids.New(), []string{distinctID})
		if err == nil {
			return nil
		}
		if !storage.IsUniqueViolation(err) {
			return err
		}
		// Another worker created the person first.
		if p, err = r.store.Fetch(ctx, teamID, distinctID); err != nil || p == nil {
			return err
		}
	}
	if p.IsIdentified {
		return nil
	}
	_, err = r.store.Update(ctx, p, map[string]interface{}{"is_identified": true})
	return err
}

// Alias declares that previousDistinctID and distinctID belong to the same
// person. Four cases on (P, N) = (owner of previous, owner of new):
// attach to whichever side exists, create a person with both ids when neither
// does, merge when both do. retry allows exactly one restart to re-observe
// state after a unique violation; a second violation is swallowed and
// reported.
func (r *Resolver) Alias(ctx context.Context, previousDistinctID, distinctID string,
	teamID int, retry bool, attempts int) error {

	oldPerson, err := r.store.Fetch(ctx, teamID, previousDistinctID)
	if err != nil {
		return err
	}
	newPerson, err := r.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return err
	}

	switch {
	case oldPerson != nil && newPerson == nil:
		return r.attach(ctx, oldPerson, distinctID, previousDistinctID, teamID, retry, attempts)

	case oldPerson == nil && newPerson != nil:
		return r.attach(ctx, newPerson, previousDistinctID, distinctID, teamID, retry, attempts)

	case oldPerson == nil && newPerson == nil:
		_, err := r.store.Create(ctx, time.Now().UTC(), nil, teamID, nil, false,
			ids.New(), []string{distinctID, previousDistinctID})
		if err == nil {
			return nil
		}
		if !storage.IsUniqueViolation(err) {
			return err
		}
		if retry {
			return r.Alias(ctx, previousDistinctID, distinctID, teamID, false, attempts)
		}
		r.swallow(err, previousDistinctID, distinctID, teamID)
		return nil

	case oldPerson.ID != newPerson.ID:
		return r.mergePeople(ctx, newPerson, oldPerson, teamID, attempts)

	default:
		// Both distinct-ids already map to the same person.
		return nil
	}
}

// attach adds distinctID to p's person. Used for the two one-sided alias
// cases; the unique-violation handling is symmetric.
func (r *Resolver) attach(ctx context.Context, p *person.Person,
	distinctID, previousDistinctID string, teamID int, retry bool, attempts int) error {

	err := r.store.AddDistinctID(ctx, p, distinctID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, person.ErrRaceCondition) {
		return err
	}
	if retry {
		return r.Alias(ctx, previousDistinctID, distinctID, teamID, false, attempts)
	}
	r.swallow(err, previousDistinctID, distinctID, teamID)
	return nil
}

// mergePeople folds other into into: merged properties (into wins), earliest
// created_at, cohort reassignment, then the bounded move-and-delete loop.
// The merge spans multiple transactions on purpose; concurrent distinct-id
// additions are reconciled by re-moving, not by locking.
func (r *Resolver) mergePeople(ctx context.Context, into, other *person.Person, teamID, attempts int) error {
	merged := make(map[string]interface{}, len(into.Properties)+len(other.Properties))
	for k, v := range other.Properties {
		merged[k] = v
	}
	for k, v := range into.Properties {
		merged[k] = v
	}

	firstSeen := into.CreatedAt
	if other.CreatedAt.Before(firstSeen) {
		firstSeen = other.CreatedAt
	}

	into, err := r.store.Update(ctx, into, map[string]interface{}{
		"created_at": firstSeen,
		"properties": merged,
	})
	if err != nil {
		return err
	}

	if err := r.store.ReassignCohorts(ctx, other, into); err != nil {
		return err
	}

	for {
		err := r.store.MoveDistinctIDs(ctx, other, into)
		if errors.Is(err, person.ErrRaceCondition) {
			if attempts >= MaxMergeAttempts {
				return fmt.Errorf("merge retry budget exhausted: %w", err)
			}
			metrics.MergeRetries.Inc()
			// Restart the alias non-retrying so the protocol re-observes
			// whatever state the peer left behind.
			otherPrimary, intoPrimary, perr := r.primaries(ctx, other, into)
			if perr != nil {
				return perr
			}
			return r.Alias(ctx, otherPrimary, intoPrimary, teamID, false, attempts+1)
		}
		if err != nil {
			return err
		}

		err = r.store.Delete(ctx, other)
		if err == nil {
			return nil
		}
		if !storage.IsForeignKeyViolation(err) {
			return err
		}
		// A distinct-id landed on other after the move; it must be moved too.
		attempts++
		metrics.MergeRetries.Inc()
		if attempts >= MaxMergeAttempts {
			return fmt.Errorf("merge retry budget exhausted: %w", err)
		}
	}
}

func (r *Resolver) primaries(ctx context.Context, other, into *person.Person) (string, string, error) {
	otherIDs, err := r.store.DistinctIDs(ctx, other)
	if err != nil {
		return "", "", err
	}
	intoIDs, err := r.store.DistinctIDs(ctx, into)
	if err != nil {
		return "", "", err
	}
	if len(otherIDs) == 0 || len(intoIDs) == 0 {
		return "", "", fmt.Errorf("merge restart: person without distinct ids")
	}
	return otherIDs[0], intoIDs[0], nil
}

// swallow records a second unique violation after the one allowed restart.
// Observed state says the alias already holds; propagating would fail an
// event that recorded correctly.
func (r *Resolver) swallow(err error, previousDistinctID, distinctID string, teamID int) {
	r.log.Warnw("alias raced twice, swallowing",
		"previous_distinct_id", previousDistinctID,
		"distinct_id", distinctID,
		"team_id", teamID,
		"error", err)
	r.reporter.Capture(err, map[string]interface{}{
		"previous_distinct_id": previousDistinctID,
		"distinct_id":          distinctID,
		"team_id":              teamID,
	})
}
