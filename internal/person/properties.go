package person

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/trackforge/ingest/internal/storage"
)

// UpdateProperties applies $set / $set_once / $increment semantics to the
// person behind (teamID, distinctID), creating the person lazily if needed.
//
// Precedence: set wins over existing, set_once only fills absent keys.
// Increments run as atomic jsonb updates so concurrent workers never lose
// counts; the post-increment values are folded into the written properties.
func (s *Store) UpdateProperties(ctx context.Context, teamID int, distinctID string,
	set, setOnce map[string]interface{}, increments map[string]interface{},
	personUUID uuid.UUID, ts time.Time) error {

	p, err := s.FetchOrCreate(ctx, teamID, distinctID, personUUID, ts)
	if err != nil {
		return err
	}

	newProps := make(map[string]interface{}, len(p.Properties)+len(set)+len(setOnce))
	for k, v := range setOnce {
		newProps[k] = v
	}
	for k, v := range p.Properties {
		newProps[k] = v
	}
	for k, v := range set {
		newProps[k] = v
	}

	numeric := filterNumeric(increments)
	for key, delta := range numeric {
		var raw []byte
		err := s.db.QueryRow(ctx, "incrementPersonProperty",
			`UPDATE posthog_person
			 SET properties = jsonb_set(properties, ARRAY[$2::text],
			     to_jsonb(COALESCE((properties->>$2)::numeric, 0) + $3))
			 WHERE id = $1
			 RETURNING properties->$2`,
			p.ID, key, delta).Scan(&raw)
		if err != nil {
			return fmt.Errorf("incrementPersonProperty %q: %w", key, err)
		}
		newProps[key] = jsonNumber(raw)
	}

	// An unchanged property map needs no relational write. With a log sink
	// and increments we still write: the increment mutated the row and the
	// sink must see the final state.
	if reflect.DeepEqual(newProps, p.Properties) && (s.producer == nil || len(numeric) == 0) {
		return nil
	}

	_, err = s.Update(ctx, p, map[string]interface{}{"properties": newProps})
	return err
}

// FetchOrCreate is the race-safe lazy creation primitive: optimistic create,
// unique violation means a peer won, re-fetch their row.
func (s *Store) FetchOrCreate(ctx context.Context, teamID int, distinctID string,
	personUUID uuid.UUID, createdAt time.Time) (*Person, error) {

	p, err := s.Fetch(ctx, teamID, distinctID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	p, err = s.Create(ctx, createdAt, nil, teamID, nil, false, personUUID, []string{distinctID})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return s.Fetch(ctx, teamID, distinctID)
		}
		return nil, err
	}
	return p, nil
}

func filterNumeric(increments map[string]interface{}) map[string]float64 {
	out := make(map[string]float64, len(increments))
	for k, v := range increments {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		case float64:
			out[k] = n
		case float32:
			out[k] = float64(n)
		}
	}
	return out
}

// jsonNumber decodes the RETURNING properties->key value. Postgres hands back
// a bare JSON number; a float64 keeps it consistent with decoded property
// maps.
func jsonNumber(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
