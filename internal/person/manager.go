package person

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/metrics"
	"github.com/trackforge/ingest/internal/storage"
)

// seenTTL bounds the negative cache. Short on purpose: a stale "seen" entry
// only suppresses a create attempt the unique constraint would reject anyway.
const seenTTL = 30 * time.Second

// Manager answers "is this distinct-id new?" with a short-TTL cache in front
// of the person table, so a burst of events for a fresh distinct-id does not
// turn into a burst of doomed insert attempts across workers. Races are
// permitted; the unique constraint absorbs the duplicates that slip through.
type Manager struct {
	store *Store
	cache storage.Cache // nil degrades to always checking Postgres
	log   *zap.SugaredLogger
}

func NewManager(store *Store, cache storage.Cache, log *zap.SugaredLogger) *Manager {
	return &Manager{store: store, cache: cache, log: log}
}

// IsNew reports whether (teamID, distinctID) has no person yet. A cache hit
// short-circuits to false; a miss checks Postgres and marks the pair seen
// either way.
func (m *Manager) IsNew(ctx context.Context, teamID int, distinctID string) (bool, error) {
	key := fmt.Sprintf("person_seen:%d:%s", teamID, distinctID)

	if m.cache != nil {
		_, hit, err := m.cache.GetRaw(ctx, key)
		if err != nil {
			m.log.Warnw("person seen cache read failed", "error", err)
		} else if hit {
			metrics.CacheHits.WithLabelValues("person_seen", "hit").Inc()
			return false, nil
		}
		metrics.CacheHits.WithLabelValues("person_seen", "miss").Inc()
	}

	p, err := m.store.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return false, err
	}

	if m.cache != nil {
		if err := m.cache.SetRaw(ctx, key, []byte("1"), seenTTL); err != nil {
			m.log.Warnw("person seen cache write failed", "error", err)
		}
	}
	return p == nil, nil
}
