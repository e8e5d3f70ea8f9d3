// Package timestamp derives the canonical event time from untrusted client
// clocks. Clients batch and retry, so the event's own timestamp can be
// arbitrarily skewed; when the client also tells us when it sent the batch we
// can correct for the skew against our own clock.
package timestamp

import (
	"time"

	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/report"
)

// ClickHouseLayout is the high-precision zone-less format the log sink
// expects. Microsecond precision round-trips losslessly through the wire
// format.
const ClickHouseLayout = "2006-01-02 15:04:05.000000"

// FormatClickHouse renders t for the log sink.
func FormatClickHouse(t time.Time) string {
	return t.UTC().Format(ClickHouseLayout)
}

// Fields are the clock-related inputs of a raw event. All string fields are
// ISO-8601 as supplied by the client SDK; Offset is milliseconds before Now.
type Fields struct {
	Timestamp string
	SentAt    string
	Offset    *int64
}

// Reconcile computes the canonical UTC instant for an event.
//
// Precedence: skew-corrected client timestamp, raw client timestamp, offset
// from now, now. A failure at any step logs, reports, and falls through to
// the next rule, so the event always gets a timestamp.
func Reconcile(f Fields, now time.Time, log *zap.SugaredLogger, reporter report.Reporter) time.Time {
	now = now.UTC()

	if f.Timestamp != "" && f.SentAt != "" {
		ts, tsErr := parseISO(f.Timestamp)
		sentAt, saErr := parseISO(f.SentAt)
		if tsErr == nil && saErr == nil {
			// sent_at is the client's clock at send time; the difference to
			// the event timestamp is skew-free even if the clock itself is not.
			return now.Add(ts.Sub(sentAt))
		}
		err := tsErr
		if err == nil {
			err = saErr
		}
		log.Warnw("unparseable timestamp/sent_at pair, falling back",
			"timestamp", f.Timestamp, "sent_at", f.SentAt, "error", err)
		reporter.Capture(err, map[string]interface{}{
			"timestamp": f.Timestamp,
			"sent_at":   f.SentAt,
		})
	}

	if f.Timestamp != "" {
		if ts, err := parseISO(f.Timestamp); err == nil {
			return ts
		} else {
			log.Warnw("unparseable timestamp, falling back", "timestamp", f.Timestamp, "error", err)
			reporter.Capture(err, map[string]interface{}{"timestamp": f.Timestamp})
		}
	}

	if f.Offset != nil && *f.Offset >= 0 {
		return now.Add(-time.Duration(*f.Offset) * time.Millisecond)
	}

	return now
}

func parseISO(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	_, err := time.Parse(time.RFC3339, s)
	return time.Time{}, err
}
