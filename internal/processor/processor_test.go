package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/emit"
	"github.com/trackforge/ingest/internal/ids"
	"github.com/trackforge/ingest/internal/plugin"
	"github.com/trackforge/ingest/internal/report"
)

type fakeResolver struct {
	calls []string
	err   error
}

func (f *fakeResolver) HandleIdentifyOrAlias(_ context.Context, eventName string,
	_ map[string]interface{}, _ string, _ int) error {
	f.calls = append(f.calls, eventName)
	return f.err
}

type capturedEvent struct {
	eventUUID  uuid.UUID
	eventName  string
	distinctID string
	properties map[string]interface{}
	ts         time.Time
}

type capturedSnapshot struct {
	sessionID    string
	snapshotData interface{}
}

type fakeSink struct {
	events     []capturedEvent
	snapshots  []capturedSnapshot
	captureErr error
}

func (f *fakeSink) Capture(_ context.Context, eventUUID, _ uuid.UUID, _ *string,
	_ string, _ int, eventName, distinctID string,
	properties map[string]interface{}, ts time.Time) (*emit.CaptureResult, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	f.events = append(f.events, capturedEvent{
		eventUUID:  eventUUID,
		eventName:  eventName,
		distinctID: distinctID,
		properties: properties,
		ts:         ts,
	})
	return &emit.CaptureResult{Event: &emit.CanonicalEvent{Event: eventName}}, nil
}

func (f *fakeSink) CaptureSessionRecording(_ context.Context, _, _ uuid.UUID,
	_ *string, _ int, _ string, sessionID string,
	snapshotData interface{}, _ time.Time) error {
	f.snapshots = append(f.snapshots, capturedSnapshot{
		sessionID:    sessionID,
		snapshotData: snapshotData,
	})
	return nil
}

func newTestProcessor(resolver *fakeResolver, sink *fakeSink) *Processor {
	return NewProcessor(resolver, sink, zap.NewNop().Sugar(), report.Nop{})
}

func TestProcessEvent(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	eventUUID := ids.New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	res, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       eventUUID.String(),
		Event:      "pageview",
		DistinctID: "d1",
		TeamID:     2,
		Properties: map[string]interface{}{"$browser": "Firefox"},
	}, now)
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.False(t, res.Snapshot)

	require.Len(t, sink.events, 1)
	assert.Equal(t, eventUUID, sink.events[0].eventUUID)
	assert.Equal(t, "pageview", sink.events[0].eventName)
	assert.Equal(t, "d1", sink.events[0].distinctID)
	assert.Equal(t, now, sink.events[0].ts, "no timestamp fields means now")
	assert.Equal(t, []string{"pageview"}, resolver.calls, "resolver sees every event")
}

func TestProcessEvent_InvalidUUIDRejected(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	_, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       "not-a-uuid",
		Event:      "pageview",
		DistinctID: "d1",
		TeamID:     2,
	}, time.Now())
	require.Error(t, err)
	var invalid *ids.InvalidUUIDError
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, sink.events, "rejected events never reach the sink")
	assert.Empty(t, resolver.calls)
}

func TestProcessEvent_TopLevelSetFoldsIntoProperties(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	_, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       ids.New().String(),
		Event:      "pageview",
		DistinctID: "d1",
		TeamID:     2,
		Set:        map[string]interface{}{"plan": "pro"},
		SetOnce:    map[string]interface{}{"first_seen": "today"},
	}, time.Now())
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	props := sink.events[0].properties
	assert.Equal(t, map[string]interface{}{"plan": "pro"}, props["$set"])
	assert.Equal(t, map[string]interface{}{"first_seen": "today"}, props["$set_once"])
}

func TestProcessEvent_IdentityFailureDoesNotBlockCapture(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("person table on fire")}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	res, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       ids.New().String(),
		Event:      "$identify",
		DistinctID: "d1",
		TeamID:     2,
	}, time.Now())
	require.NoError(t, err, "identity errors are best-effort")
	assert.NotNil(t, res.Event)
	assert.Len(t, sink.events, 1)
}

func TestProcessEvent_CaptureFailurePropagates(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{captureErr: errors.New("sink unavailable")}
	p := newTestProcessor(resolver, sink)

	_, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       ids.New().String(),
		Event:      "pageview",
		DistinctID: "d1",
		TeamID:     2,
	}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
}

func TestProcessEvent_SnapshotRoutesToRecordings(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	res, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       ids.New().String(),
		Event:      "$snapshot",
		DistinctID: "d1",
		TeamID:     2,
		Properties: map[string]interface{}{
			"$session_id":    "sess-9",
			"$snapshot_data": map[string]interface{}{"type": float64(2)},
		},
	}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.Snapshot)
	assert.Nil(t, res.Event)
	assert.Empty(t, sink.events)

	require.Len(t, sink.snapshots, 1)
	assert.Equal(t, "sess-9", sink.snapshots[0].sessionID)
	assert.NotNil(t, sink.snapshots[0].snapshotData)
}

func TestProcessEvent_TimestampReconciled(t *testing.T) {
	resolver := &fakeResolver{}
	sink := &fakeSink{}
	p := newTestProcessor(resolver, sink)

	// Client clock 10s behind, event recorded 5s before sending.
	now := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)
	_, err := p.ProcessEvent(context.Background(), &plugin.PluginEvent{
		UUID:       ids.New().String(),
		Event:      "pageview",
		DistinctID: "d1",
		TeamID:     2,
		Timestamp:  "2023-12-31T23:59:50Z",
		SentAt:     "2023-12-31T23:59:55Z",
	}, now)
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), sink.events[0].ts)
}
