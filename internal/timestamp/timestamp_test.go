package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/report"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestReconcile_ClockSkewCorrection(t *testing.T) {
	// Client clock runs 10s behind: the event was recorded 5s before it was
	// sent, so canonical time is now - 5s regardless of the skew.
	now := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	got := Reconcile(Fields{
		Timestamp: "2023-12-31T23:59:50Z",
		SentAt:    "2023-12-31T23:59:55Z",
	}, now, testLogger(), report.Nop{})

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestReconcile_TimestampOnly(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	got := Reconcile(Fields{Timestamp: "2024-01-01T08:30:00Z"}, now, testLogger(), report.Nop{})
	assert.Equal(t, time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC), got)
}

func TestReconcile_Offset(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	offset := int64(10_000)
	got := Reconcile(Fields{Offset: &offset}, now, testLogger(), report.Nop{})
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestReconcile_NegativeOffsetIgnored(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	offset := int64(-5)
	got := Reconcile(Fields{Offset: &offset}, now, testLogger(), report.Nop{})
	assert.Equal(t, now, got)
}

func TestReconcile_NoInputsUsesNow(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)
	got := Reconcile(Fields{}, now, testLogger(), report.Nop{})
	assert.Equal(t, now, got)
}

func TestReconcile_BadSentAtFallsThroughToTimestamp(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Reconcile(Fields{
		Timestamp: "2024-01-01T08:00:00Z",
		SentAt:    "not a timestamp",
	}, now, testLogger(), report.Nop{})
	assert.Equal(t, time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), got)
}

func TestReconcile_BadTimestampFallsThroughToNow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Reconcile(Fields{Timestamp: "garbage"}, now, testLogger(), report.Nop{})
	assert.Equal(t, now, got)
}

func TestReconcile_Idempotent(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	f := Fields{
		Timestamp: "2023-12-31T23:59:50Z",
		SentAt:    "2023-12-31T23:59:55Z",
	}
	first := Reconcile(f, now, testLogger(), report.Nop{})
	second := Reconcile(f, now, testLogger(), report.Nop{})
	assert.Equal(t, first, second)
}

func TestReconcile_AlwaysUTC(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("PST", -8*3600))
	got := Reconcile(Fields{Timestamp: "2024-01-01T08:00:00+02:00"}, now, testLogger(), report.Nop{})
	require.Equal(t, time.UTC, got.Location())
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), got)
}

func TestFormatClickHouse_MicrosecondPrecision(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 123_456_789, time.UTC)
	assert.Equal(t, "2024-01-01 00:00:00.123456", FormatClickHouse(ts))
}

func TestFormatClickHouse_ZeroFraction(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-01 00:00:00.000000", FormatClickHouse(ts))
}
