// Package emit canonicalizes processed events and publishes them to the
// configured sink: the partitioned message log when a producer is present,
// the relational row store otherwise. Session recordings bypass capture and
// go out verbatim.
package emit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/elements"
	"github.com/trackforge/ingest/internal/person"
	"github.com/trackforge/ingest/internal/storage"
	"github.com/trackforge/ingest/internal/team"
	"github.com/trackforge/ingest/internal/timestamp"
)

const maxEventNameLength = 200

// Emitter owns canonical-event construction and sink publication.
type Emitter struct {
	db       *storage.Postgres
	producer storage.Producer // nil selects the row sink
	teams    *team.Cache
	persons  *person.Store
	manager  *person.Manager
	log      *zap.SugaredLogger
}

func NewEmitter(db *storage.Postgres, producer storage.Producer, teams *team.Cache,
	persons *person.Store, manager *person.Manager, log *zap.SugaredLogger) *Emitter {
	return &Emitter{
		db:       db,
		producer: producer,
		teams:    teams,
		persons:  persons,
		manager:  manager,
		log:      log,
	}
}

// CaptureResult reports what Capture produced: the canonical event, the row
// id when the row sink was used, and the extracted elements.
type CaptureResult struct {
	Event    *CanonicalEvent
	RowID    *int64
	Elements []elements.Element
}

// Capture canonicalizes one analytics event and publishes it.
func (e *Emitter) Capture(ctx context.Context, eventUUID, personUUID uuid.UUID,
	ip *string, siteURL string, teamID int, eventName, distinctID string,
	properties map[string]interface{}, ts time.Time) (*CaptureResult, error) {

	eventName = SanitizeEventName(eventName)
	if properties == nil {
		properties = map[string]interface{}{}
	}

	els := popElements(properties)

	t, err := e.teams.Fetch(ctx, teamID)
	if err != nil {
		return nil, err
	}

	if ip != nil && !t.AnonymizeIPs {
		if _, present := properties["$ip"]; !present {
			properties["$ip"] = *ip
		}
	}

	if !team.EventsWithoutDefinition[eventName] {
		if err := e.teams.EnsureDefinitions(ctx, teamID, eventName, properties); err != nil {
			return nil, err
		}
		if err := e.teams.MarkFirstEventIngested(ctx, t); err != nil {
			return nil, err
		}
	}

	if err := e.ensurePerson(ctx, teamID, distinctID, personUUID, ts); err != nil {
		return nil, err
	}

	set, setOnce := InitialAndUTMProperties(properties)
	increments, _ := properties["$increment"].(map[string]interface{})
	if len(set) > 0 || len(setOnce) > 0 || len(increments) > 0 {
		if err := e.persons.UpdateProperties(ctx, teamID, distinctID, set, setOnce, increments, personUUID, ts); err != nil {
			return nil, err
		}
	}

	propsRaw, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("capture: encode properties: %w", err)
	}

	result := &CaptureResult{Elements: els}

	if e.producer != nil {
		now := time.Now().UTC()
		ce := &CanonicalEvent{
			UUID:          eventUUID.String(),
			Event:         eventName,
			Properties:    string(propsRaw),
			Timestamp:     timestamp.FormatClickHouse(ts),
			TeamID:        int64(teamID),
			DistinctID:    distinctID,
			ElementsChain: elements.ChainString(els),
			CreatedAt:     timestamp.FormatClickHouse(now),
		}
		if err := e.producer.Queue(ctx, TopicEvents, []storage.Message{
			{Key: ce.UUID, Value: ce.Marshal()},
		}); err != nil {
			return nil, fmt.Errorf("capture: queue event: %w", err)
		}
		result.Event = ce
		return result, nil
	}

	hash := ""
	if len(els) > 0 {
		if hash, err = e.ensureElementGroup(ctx, teamID, els); err != nil {
			return nil, err
		}
	}

	var rowID int64
	err = e.db.QueryRow(ctx, "insertEvent",
		`INSERT INTO posthog_event (created_at, event, distinct_id, properties, team_id, "timestamp", elements_hash, site_url)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		time.Now().UTC(), eventName, distinctID, propsRaw, teamID, ts.UTC(), nullable(hash), nullable(siteURL)).Scan(&rowID)
	if err != nil {
		return nil, fmt.Errorf("insertEvent: %w", err)
	}

	result.RowID = &rowID
	result.Event = &CanonicalEvent{
		UUID:          eventUUID.String(),
		Event:         eventName,
		Properties:    string(propsRaw),
		Timestamp:     ts.UTC().Format(time.RFC3339Nano),
		TeamID:        int64(teamID),
		DistinctID:    distinctID,
		ElementsChain: elements.ChainString(els),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	return result, nil
}

// CaptureSessionRecording publishes a $snapshot payload. No element
// extraction, no definition upsert, not action-matched downstream; the person
// is still ensured and the ip rule still applies.
func (e *Emitter) CaptureSessionRecording(ctx context.Context, eventUUID, personUUID uuid.UUID,
	ip *string, teamID int, distinctID, sessionID string,
	snapshotData interface{}, ts time.Time) error {

	t, err := e.teams.Fetch(ctx, teamID)
	if err != nil {
		return err
	}

	if err := e.ensurePerson(ctx, teamID, distinctID, personUUID, ts); err != nil {
		return err
	}

	snapshotRaw, err := json.Marshal(snapshotData)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	if e.producer != nil {
		payload := map[string]interface{}{
			"uuid":          eventUUID.String(),
			"team_id":       teamID,
			"distinct_id":   distinctID,
			"session_id":    sessionID,
			"snapshot_data": string(snapshotRaw),
			"timestamp":     timestamp.FormatClickHouse(ts),
			"created_at":    timestamp.FormatClickHouse(time.Now().UTC()),
		}
		if ip != nil && !t.AnonymizeIPs {
			payload["ip"] = *ip
		}
		value, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("snapshot: encode payload: %w", err)
		}
		return e.producer.Queue(ctx, TopicSessionRecordings, []storage.Message{
			{Key: eventUUID.String(), Value: value},
		})
	}

	_, err = e.db.Exec(ctx, "insertSessionRecordingEvent",
		`INSERT INTO posthog_sessionrecordingevent (created_at, "timestamp", team_id, distinct_id, session_id, snapshot_data)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		time.Now().UTC(), ts.UTC(), teamID, distinctID, sessionID, snapshotRaw)
	return err
}

// ensurePerson lazily creates a person for a first-seen distinct-id. Peer
// workers may attempt the same create; the unique constraint settles it.
func (e *Emitter) ensurePerson(ctx context.Context, teamID int, distinctID string,
	personUUID uuid.UUID, ts time.Time) error {

	isNew, err := e.manager.IsNew(ctx, teamID, distinctID)
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}
	_, err = e.persons.Create(ctx, ts, nil, teamID, nil, false, personUUID, []string{distinctID})
	if err != nil && !storage.IsUniqueViolation(err) {
		return err
	}
	return nil
}

// ensureElementGroup content-addresses the element list, creating the group
// and its element rows if this team has not stored the same DOM path before.
func (e *Emitter) ensureElementGroup(ctx context.Context, teamID int, els []elements.Element) (string, error) {
	hash := elements.Hash(els)

	err := e.db.Transaction(ctx, func(tx *sql.Tx) error {
		var groupID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO posthog_elementgroup (hash, team_id) VALUES ($1, $2) RETURNING id`,
			hash, teamID).Scan(&groupID)
		if err != nil {
			return err
		}
		for _, el := range els {
			attrsRaw, err := json.Marshal(el.Attributes)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO posthog_element
				 (tag_name, text, href, attr_id, attr_class, nth_child, nth_of_type, attributes, "order", group_id)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				nullable(el.TagName), nullable(el.Text), nullable(el.Href), nullable(el.AttrID),
				classArray(el.AttrClass), el.NthChild, el.NthOfType, attrsRaw, el.Order, groupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !storage.IsUniqueViolation(err) {
		return "", fmt.Errorf("ensureElementGroup: %w", err)
	}
	return hash, nil
}

// SanitizeEventName strips null bytes and caps the name length. The cap never
// splits a rune: truncated names stay valid UTF-8.
func SanitizeEventName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\u0000", "\uFFFD")
	if len(name) > maxEventNameLength {
		cut := maxEventNameLength
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	return name
}

// popElements removes $elements from the property map and extracts it.
func popElements(properties map[string]interface{}) []elements.Element {
	raw, ok := properties["$elements"]
	if !ok {
		return nil
	}
	delete(properties, "$elements")

	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	maps := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]interface{}); ok {
			maps = append(maps, m)
		}
	}
	return elements.Extract(maps)
}

var campaignParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"gclid", "fbclid",
}

var initialParams = []string{
	"$browser", "$browser_version", "$device_type", "$current_url",
	"$pathname", "$os", "$referring_domain", "$referrer",
}

// InitialAndUTMProperties derives the person-property updates an event
// implies: first-touch $initial_* values via $set_once, current campaign
// params via $set, merged over whatever $set / $set_once the event carries.
func InitialAndUTMProperties(properties map[string]interface{}) (set, setOnce map[string]interface{}) {
	set = map[string]interface{}{}
	setOnce = map[string]interface{}{}

	for _, key := range campaignParams {
		if v, ok := properties[key]; ok {
			set[key] = v
			setOnce["$initial_"+strings.TrimPrefix(key, "$")] = v
		}
	}
	for _, key := range initialParams {
		if v, ok := properties[key]; ok {
			setOnce["$initial_"+strings.TrimPrefix(key, "$")] = v
		}
	}

	if eventSet, ok := properties["$set"].(map[string]interface{}); ok {
		for k, v := range eventSet {
			set[k] = v
		}
	}
	if eventSetOnce, ok := properties["$set_once"].(map[string]interface{}); ok {
		for k, v := range eventSetOnce {
			setOnce[k] = v
		}
	}
	return set, setOnce
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func classArray(classes []string) interface{} {
	if len(classes) == 0 {
		return nil
	}
	return "{" + strings.Join(classes, ",") + "}"
}
