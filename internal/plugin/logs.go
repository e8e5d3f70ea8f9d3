package plugin

import (
	"context"
	"time"

	"github.com/trackforge/ingest/internal/ids"
	"github.com/trackforge/ingest/internal/storage"
)

// LogEntry is one line emitted by a plugin runtime, persisted for the UI.
type LogEntry struct {
	TeamID         int
	PluginID       int
	PluginConfigID int
	Timestamp      time.Time
	Source         string // SYSTEM, PLUGIN, CONSOLE
	Type           string // DEBUG, LOG, INFO, WARN, ERROR
	Message        string
	InstanceID     string
}

// LogStore persists plugin log entries to posthog_pluginlogentry.
type LogStore struct {
	db *storage.Postgres
}

func NewLogStore(db *storage.Postgres) *LogStore {
	return &LogStore{db: db}
}

func (s *LogStore) Insert(ctx context.Context, entry LogEntry) error {
	_, err := s.db.Exec(ctx, "insertPluginLogEntry",
		`INSERT INTO posthog_pluginlogentry
		 (id, team_id, plugin_id, plugin_config_id, timestamp, source, type, message, instance_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ids.New().String(), entry.TeamID, entry.PluginID, entry.PluginConfigID,
		entry.Timestamp.UTC(), entry.Source, entry.Type, entry.Message, entry.InstanceID)
	return err
}
