package team

import (
	"context"
	"time"

	"github.com/trackforge/ingest/internal/ids"
)

// EventsWithoutDefinition are internal event names that never get a
// definition row.
var EventsWithoutDefinition = map[string]bool{
	"$$plugin_metrics": true,
}

type definitionSet struct {
	events     map[string]bool
	properties map[string]bool
	loadedAt   time.Time
}

// EnsureDefinitions upserts event and property definition rows for names this
// team has not seen before. The per-team name sets are cached alongside the
// team row; insertion races between workers collapse on ON CONFLICT DO NOTHING.
func (c *Cache) EnsureDefinitions(ctx context.Context, teamID int, eventName string, properties map[string]interface{}) error {
	if EventsWithoutDefinition[eventName] {
		return nil
	}

	defs, err := c.definitionSet(ctx, teamID)
	if err != nil {
		return err
	}

	c.mu.RLock()
	known := defs.events[eventName]
	c.mu.RUnlock()
	if !known {
		if _, err := c.db.Exec(ctx, "insertEventDefinition",
			`INSERT INTO posthog_eventdefinition (id, name, volume_30_day, query_usage_30_day, team_id)
			 VALUES ($1, $2, NULL, NULL, $3)
			 ON CONFLICT ON CONSTRAINT posthog_eventdefinition_team_id_name_uniq DO NOTHING`,
			ids.New().String(), eventName, teamID); err != nil {
			return err
		}
		c.mu.Lock()
		defs.events[eventName] = true
		c.mu.Unlock()
	}

	for key, value := range properties {
		c.mu.RLock()
		known := defs.properties[key]
		c.mu.RUnlock()
		if known {
			continue
		}
		isNumerical := false
		switch value.(type) {
		case int, int64, float64:
			isNumerical = true
		}
		if _, err := c.db.Exec(ctx, "insertPropertyDefinition",
			`INSERT INTO posthog_propertydefinition (id, name, is_numerical, volume_30_day, query_usage_30_day, team_id)
			 VALUES ($1, $2, $3, NULL, NULL, $4)
			 ON CONFLICT ON CONSTRAINT posthog_propertydefinition_team_id_name_uniq DO NOTHING`,
			ids.New().String(), key, isNumerical, teamID); err != nil {
			return err
		}
		c.mu.Lock()
		defs.properties[key] = true
		c.mu.Unlock()
	}
	return nil
}

func (c *Cache) definitionSet(ctx context.Context, teamID int) (*definitionSet, error) {
	c.mu.RLock()
	defs, ok := c.defs[teamID]
	c.mu.RUnlock()
	if ok && time.Since(defs.loadedAt) < c.ttl {
		return defs, nil
	}

	defs = &definitionSet{
		events:     make(map[string]bool),
		properties: make(map[string]bool),
		loadedAt:   time.Now(),
	}

	rows, err := c.db.Query(ctx, "fetchEventDefinitions",
		`SELECT name FROM posthog_eventdefinition WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		defs.events[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	propRows, err := c.db.Query(ctx, "fetchPropertyDefinitions",
		`SELECT name FROM posthog_propertydefinition WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, err
	}
	defer propRows.Close()
	for propRows.Next() {
		var name string
		if err := propRows.Scan(&name); err != nil {
			return nil, err
		}
		defs.properties[name] = true
	}
	if err := propRows.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.defs[teamID] = defs
	c.mu.Unlock()
	return defs, nil
}
