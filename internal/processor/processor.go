// Package processor orchestrates the per-event pipeline: sanitize, timestamp,
// identity, capture-or-snapshot, emit. Identity failures are best-effort (the
// event itself must still record) while capture failures propagate so the
// delivery layer can replay.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/emit"
	"github.com/trackforge/ingest/internal/ids"
	"github.com/trackforge/ingest/internal/metrics"
	"github.com/trackforge/ingest/internal/plugin"
	"github.com/trackforge/ingest/internal/report"
	"github.com/trackforge/ingest/internal/timestamp"
)

// watchdogThreshold is observational only: exceeding it logs a warning but
// never cancels the work.
const watchdogThreshold = 30 * time.Second

// IdentityResolver is the slice of the identity package the processor drives.
type IdentityResolver interface {
	HandleIdentifyOrAlias(ctx context.Context, eventName string,
		properties map[string]interface{}, distinctID string, teamID int) error
}

// Sink is the slice of the emitter the processor publishes through.
type Sink interface {
	Capture(ctx context.Context, eventUUID, personUUID uuid.UUID, ip *string,
		siteURL string, teamID int, eventName, distinctID string,
		properties map[string]interface{}, ts time.Time) (*emit.CaptureResult, error)
	CaptureSessionRecording(ctx context.Context, eventUUID, personUUID uuid.UUID,
		ip *string, teamID int, distinctID, sessionID string,
		snapshotData interface{}, ts time.Time) error
}

type Processor struct {
	identity IdentityResolver
	sink     Sink
	log      *zap.SugaredLogger
	reporter report.Reporter
}

func NewProcessor(identity IdentityResolver, sink Sink, log *zap.SugaredLogger, reporter report.Reporter) *Processor {
	return &Processor{identity: identity, sink: sink, log: log, reporter: reporter}
}

// Result is what one processed event produced.
type Result struct {
	Event    *emit.CaptureResult
	Snapshot bool
}

// ProcessEvent runs the full pipeline for one raw event.
func (p *Processor) ProcessEvent(ctx context.Context, data *plugin.PluginEvent, now time.Time) (*Result, error) {
	eventUUID, err := ids.Parse(data.UUID)
	if err != nil {
		metrics.EventsFailed.WithLabelValues("uuid").Inc()
		return nil, err
	}

	stop := p.watchdog("processEvent", data)
	defer stop()
	start := time.Now()

	properties := data.Properties
	if properties == nil {
		properties = map[string]interface{}{}
	}
	// Top-level $set / $set_once shorthand folds into properties; the capture
	// path reads them from there.
	if len(data.Set) > 0 {
		properties["$set"] = data.Set
	}
	if len(data.SetOnce) > 0 {
		properties["$set_once"] = data.SetOnce
	}

	// Used only if a person is lazily created along the way.
	personUUID := ids.New()

	ts := timestamp.Reconcile(timestamp.Fields{
		Timestamp: data.Timestamp,
		SentAt:    data.SentAt,
		Offset:    data.Offset,
	}, now, p.log, p.reporter)

	p.resolveIdentity(ctx, data, properties)

	result := &Result{}
	if data.Event == "$snapshot" {
		sessionID, _ := properties["$session_id"].(string)
		err := p.sink.CaptureSessionRecording(ctx, eventUUID, personUUID, data.IP,
			data.TeamID, data.DistinctID, sessionID, properties["$snapshot_data"], ts)
		if err != nil {
			metrics.EventsFailed.WithLabelValues("snapshot").Inc()
			return nil, err
		}
		result.Snapshot = true
	} else {
		captured, err := p.sink.Capture(ctx, eventUUID, personUUID, data.IP,
			data.SiteURL, data.TeamID, data.Event, data.DistinctID, properties, ts)
		if err != nil {
			metrics.EventsFailed.WithLabelValues("capture").Inc()
			return nil, err
		}
		result.Event = captured
	}

	teamLabel := fmt.Sprintf("%d", data.TeamID)
	metrics.EventsProcessed.WithLabelValues(teamLabel).Inc()
	metrics.ProcessingDuration.WithLabelValues(teamLabel).Observe(time.Since(start).Seconds())
	return result, nil
}

// resolveIdentity runs the identity resolver under its own watchdog and
// swallows every error: identity is best-effort, the event records anyway.
func (p *Processor) resolveIdentity(ctx context.Context, data *plugin.PluginEvent, properties map[string]interface{}) {
	stop := p.watchdog("handleIdentifyOrAlias", data)
	defer stop()

	if err := p.identity.HandleIdentifyOrAlias(ctx, data.Event, properties, data.DistinctID, data.TeamID); err != nil {
		metrics.EventsFailed.WithLabelValues("identity").Inc()
		p.log.Errorw("identity resolution failed, event continues",
			"event", data.Event, "distinct_id", data.DistinctID, "team_id", data.TeamID, "error", err)
		p.reporter.Capture(err, map[string]interface{}{
			"event":       data.Event,
			"distinct_id": data.DistinctID,
			"team_id":     data.TeamID,
			"properties":  properties,
		})
	}
}

func (p *Processor) watchdog(stage string, data *plugin.PluginEvent) func() {
	timer := time.AfterFunc(watchdogThreshold, func() {
		p.log.Warnw("processing exceeded watchdog threshold",
			"stage", stage,
			"threshold", watchdogThreshold,
			"event", data.Event,
			"distinct_id", data.DistinctID,
			"team_id", data.TeamID)
	})
	return func() { timer.Stop() }
}
