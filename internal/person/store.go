package person

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/ids"
	"github.com/trackforge/ingest/internal/storage"
	"github.com/trackforge/ingest/internal/timestamp"
)

// Store provides transactional CRUD on person and distinct-id rows with
// dual-sink mirroring. When a log producer is configured, every committed
// mutation queues at least one message after the commit succeeds, so the log
// is always a subset of committed relational state.
type Store struct {
	db       *storage.Postgres
	producer storage.Producer // nil in row-sink deployments
	columnar storage.Columnar // nil unless a columnar sink is configured
	log      *zap.SugaredLogger
}

func NewStore(db *storage.Postgres, producer storage.Producer, columnar storage.Columnar, log *zap.SugaredLogger) *Store {
	return &Store{db: db, producer: producer, columnar: columnar, log: log}
}

const fetchPersonSQL = `
SELECT p.id, p.uuid, p.team_id, p.created_at, p.properties, p.is_identified, p.is_user_id
FROM posthog_person p
JOIN posthog_persondistinctid pd ON p.id = pd.person_id
WHERE pd.team_id = $1 AND pd.distinct_id = $2`

// Fetch returns the person owning (teamID, distinctID), or nil if the
// distinct-id has never been seen.
func (s *Store) Fetch(ctx context.Context, teamID int, distinctID string) (*Person, error) {
	p := &Person{}
	var uuidStr string
	var propsRaw []byte
	row := s.db.QueryRow(ctx, "fetchPerson", fetchPersonSQL, teamID, distinctID)
	err := row.Scan(&p.ID, &uuidStr, &p.TeamID, &p.CreatedAt, &propsRaw, &p.IsIdentified, &p.IsUserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetchPerson: %w", err)
	}
	if p.UUID, err = uuid.Parse(uuidStr); err != nil {
		return nil, fmt.Errorf("fetchPerson: bad uuid %q: %w", uuidStr, err)
	}
	if err := json.Unmarshal(propsRaw, &p.Properties); err != nil {
		return nil, fmt.Errorf("fetchPerson: bad properties: %w", err)
	}
	return p, nil
}

// Create inserts the person row and its distinct-id rows in one transaction.
// Producer messages accumulate during the transaction and are queued only
// after commit. A unique violation on any distinct-id aborts the whole
// creation; callers absorb it and re-fetch.
func (s *Store) Create(ctx context.Context, createdAt time.Time, properties map[string]interface{},
	teamID int, isUserID *int, isIdentified bool, uid uuid.UUID, distinctIDs []string) (*Person, error) {

	if properties == nil {
		properties = map[string]interface{}{}
	}
	propsRaw, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("createPerson: encode properties: %w", err)
	}

	p := &Person{
		UUID:         uid,
		TeamID:       teamID,
		CreatedAt:    createdAt.UTC(),
		Properties:   properties,
		IsIdentified: isIdentified,
		IsUserID:     isUserID,
	}

	var pending []queuedMessage
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO posthog_person (created_at, properties, team_id, is_user_id, is_identified, uuid)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			p.CreatedAt, propsRaw, teamID, isUserID, isIdentified, uid.String()).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("insertPerson: %w", err)
		}
		pending = append(pending, s.personMessage(p))

		for _, distinctID := range distinctIDs {
			var rowID int64
			err := tx.QueryRowContext(ctx,
				`INSERT INTO posthog_persondistinctid (distinct_id, person_id, team_id)
				 VALUES ($1, $2, $3) RETURNING id`,
				distinctID, p.ID, teamID).Scan(&rowID)
			if err != nil {
				return fmt.Errorf("insertDistinctId: %w", err)
			}
			pending = append(pending, s.distinctIDMessage(p, distinctID, rowID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.queueAll(ctx, pending)
	return p, nil
}

// Update applies a patch to a person row. Recognized patch keys: properties,
// created_at, is_identified. Returns the patched person and queues a person
// message post-commit.
func (s *Store) Update(ctx context.Context, p *Person, patch map[string]interface{}) (*Person, error) {
	if len(patch) == 0 {
		return p, nil
	}

	updated := *p
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, k := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", k, i+1))
		switch k {
		case "properties":
			props := patch[k].(map[string]interface{})
			raw, err := json.Marshal(props)
			if err != nil {
				return nil, fmt.Errorf("updatePerson: encode properties: %w", err)
			}
			args = append(args, raw)
			updated.Properties = props
		case "created_at":
			t := patch[k].(time.Time).UTC()
			args = append(args, t)
			updated.CreatedAt = t
		case "is_identified":
			v := patch[k].(bool)
			args = append(args, v)
			updated.IsIdentified = v
		default:
			return nil, fmt.Errorf("updatePerson: unknown patch key %q", k)
		}
	}
	args = append(args, p.ID)

	query := fmt.Sprintf("UPDATE posthog_person SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(keys)+1)
	if _, err := s.db.Exec(ctx, "updatePerson", query, args...); err != nil {
		return nil, err
	}

	s.queueAll(ctx, []queuedMessage{s.personMessage(&updated)})
	return &updated, nil
}

// Delete removes a person's distinct-id rows then the person row in one
// transaction, then issues columnar tombstones when a columnar sink is
// configured. A distinct-id committed onto the person after the distinct-id
// delete statement makes the person delete fail with a foreign-key violation;
// the merge protocol treats that as a signal to re-move and retry.
func (s *Store) Delete(ctx context.Context, p *Person) error {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM posthog_persondistinctid WHERE person_id = $1`, p.ID); err != nil {
			return fmt.Errorf("deleteDistinctIds: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM posthog_person WHERE id = $1`, p.ID); err != nil {
			return fmt.Errorf("deletePerson: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.columnar != nil {
		if err := s.columnar.Exec(ctx,
			fmt.Sprintf(`ALTER TABLE person DELETE WHERE id = '%s'`, p.UUID.String())); err != nil {
			return fmt.Errorf("tombstone person: %w", err)
		}
		if err := s.columnar.Exec(ctx,
			fmt.Sprintf(`ALTER TABLE person_distinct_id DELETE WHERE person_id = '%s'`, p.UUID.String())); err != nil {
			return fmt.Errorf("tombstone distinct ids: %w", err)
		}
	}
	return nil
}

// AddDistinctID attaches a distinct-id to a person. A unique violation means
// a peer worker claimed the distinct-id first and surfaces as
// ErrRaceCondition.
func (s *Store) AddDistinctID(ctx context.Context, p *Person, distinctID string) error {
	var rowID int64
	err := s.db.QueryRow(ctx, "addDistinctId",
		`INSERT INTO posthog_persondistinctid (distinct_id, person_id, team_id)
		 VALUES ($1, $2, $3) RETURNING id`,
		distinctID, p.ID, p.TeamID).Scan(&rowID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("addDistinctId %q: %w", distinctID, ErrRaceCondition)
		}
		return fmt.Errorf("addDistinctId: %w", err)
	}
	s.queueAll(ctx, []queuedMessage{s.distinctIDMessage(p, distinctID, rowID)})
	return nil
}

// MoveDistinctIDs reassigns every distinct-id currently on other to into.
// Each row is moved with an optimistic ownership check; a row that vanished
// or moved under us surfaces as ErrRaceCondition so the caller re-observes
// state.
func (s *Store) MoveDistinctIDs(ctx context.Context, other, into *Person) error {
	rows, err := s.db.Query(ctx, "fetchDistinctIdsForMove",
		`SELECT id, distinct_id FROM posthog_persondistinctid WHERE person_id = $1 AND team_id = $2`,
		other.ID, other.TeamID)
	if err != nil {
		return err
	}
	type idRow struct {
		id         int64
		distinctID string
	}
	var toMove []idRow
	for rows.Next() {
		var r idRow
		if err := rows.Scan(&r.id, &r.distinctID); err != nil {
			rows.Close()
			return err
		}
		toMove = append(toMove, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var pending []queuedMessage
	for _, r := range toMove {
		res, err := s.db.Exec(ctx, "moveDistinctId",
			`UPDATE posthog_persondistinctid SET person_id = $1 WHERE id = $2 AND person_id = $3`,
			into.ID, r.id, other.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("moveDistinctId %q: %w", r.distinctID, ErrRaceCondition)
		}
		pending = append(pending, s.distinctIDMessage(into, r.distinctID, r.id))
	}

	s.queueAll(ctx, pending)
	return nil
}

// DistinctIDs lists the distinct-ids of a person, oldest first.
func (s *Store) DistinctIDs(ctx context.Context, p *Person) ([]string, error) {
	rows, err := s.db.Query(ctx, "fetchDistinctIds",
		`SELECT distinct_id FROM posthog_persondistinctid WHERE person_id = $1 ORDER BY id ASC`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReassignCohorts moves cohort memberships from one person to another during
// a merge.
func (s *Store) ReassignCohorts(ctx context.Context, from, to *Person) error {
	_, err := s.db.Exec(ctx, "reassignCohorts",
		`UPDATE posthog_cohortpeople SET person_id = $1 WHERE person_id = $2`, to.ID, from.ID)
	return err
}

// ---------------------------------------------------------------------------
// Log-sink mirroring
// ---------------------------------------------------------------------------

type queuedMessage struct {
	topic string
	msg   storage.Message
}

func (s *Store) personMessage(p *Person) queuedMessage {
	propsRaw, _ := json.Marshal(p.Properties)
	value, _ := json.Marshal(map[string]interface{}{
		"id":            p.UUID.String(),
		"created_at":    timestamp.FormatClickHouse(p.CreatedAt),
		"team_id":       p.TeamID,
		"properties":    string(propsRaw),
		"is_identified": p.IsIdentified,
	})
	return queuedMessage{
		topic: TopicPerson,
		msg:   storage.Message{Key: p.UUID.String(), Value: value},
	}
}

func (s *Store) distinctIDMessage(p *Person, distinctID string, rowID int64) queuedMessage {
	value, _ := json.Marshal(map[string]interface{}{
		"id":          rowID,
		"distinct_id": distinctID,
		"person_id":   p.UUID.String(),
		"team_id":     p.TeamID,
	})
	return queuedMessage{
		topic: TopicPersonDistinctID,
		msg:   storage.Message{Key: ids.New().String(), Value: value},
	}
}

// queueAll ships accumulated messages after a successful commit. Producer
// failures are logged, not propagated: the relational write already
// committed and downstream tolerates replay.
func (s *Store) queueAll(ctx context.Context, pending []queuedMessage) {
	if s.producer == nil {
		return
	}
	for _, qm := range pending {
		if err := s.producer.Queue(ctx, qm.topic, []storage.Message{qm.msg}); err != nil {
			s.log.Errorw("failed to queue person message", "topic", qm.topic, "error", err)
		}
	}
}
