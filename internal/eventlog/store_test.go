package eventlog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/internal/detect"
	"lifeline/internal/traffic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data", "lifeline.db")
	store, err := Open(path,
		WithStoreLogger(testLogger()),
		WithStoreClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifeline.db")

	first, err := Open(path, WithStoreLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path, WithStoreLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStore_DetectionsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	store := openTestStore(t, now)
	ctx := context.Background()

	track := int64(7)
	d := detect.Detection{
		BBox:       detect.BBox{X1: 1, Y1: 2, X2: 30, Y2: 40},
		Confidence: 0.91,
		Class:      "ambulance",
		Lane:       "east",
		Center:     &detect.Point{X: 15, Y: 21},
		TrackID:    &track,
	}
	require.NoError(t, store.RecordDetection(ctx, d, now.Add(-time.Minute)))
	store.LogDetection(detect.Detection{Class: "ambulance", Confidence: 0.5})

	records, err := store.RecentDetections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// 新しい順
	assert.Equal(t, "", records[0].Detection.Lane)
	assert.Nil(t, records[0].Detection.Center)
	assert.Equal(t, d, records[1].Detection)
	assert.Equal(t, now.Add(-time.Minute), records[1].Time)
}

func TestStore_TransitionsAndEvents(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	store := openTestStore(t, now)
	ctx := context.Background()

	store.LogTransition(traffic.Transition{
		Direction: traffic.East,
		Old:       traffic.Red,
		New:       traffic.Green,
		Reason:    traffic.ReasonPriority,
		Priority:  true,
		Time:      now,
	})
	store.LogSystemEvent(SystemEvent{
		Type:        EventPriorityActivated,
		Description: "優先モード開始",
		Metadata:    map[string]any{"lane": "east"},
	})

	transitions, err := store.RecentTransitions(ctx, 5)
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Equal(t, TransitionRecord{
		ID:        transitions[0].ID,
		Time:      now,
		Direction: "east",
		OldState:  "red",
		NewState:  "green",
		Reason:    traffic.ReasonPriority,
		Priority:  true,
	}, transitions[0])

	events, err := store.RecentEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventPriorityActivated, events[0].Event.Type)
	assert.Equal(t, "east", events[0].Event.Metadata["lane"])
	assert.Equal(t, now, events[0].Event.Time)
}

func TestStore_Statistics(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := openTestStore(t, now)
	ctx := context.Background()

	record := func(lane string, at time.Time) {
		require.NoError(t, store.RecordDetection(ctx, detect.Detection{Class: "ambulance", Confidence: 0.9, Lane: lane}, at))
	}
	record("north", now.Add(-2*time.Hour))
	record("north", now.Add(-3*time.Hour))
	record("east", now.Add(-2*time.Hour))
	record("", now.Add(-time.Hour))
	record("west", now.AddDate(0, 0, -30)) // 集計期間外

	require.NoError(t, store.RecordSystemEvent(ctx, SystemEvent{Type: EventPriorityActivated, Time: now.Add(-time.Hour)}))
	require.NoError(t, store.RecordSystemEvent(ctx, SystemEvent{Type: EventPriorityActivated, Time: now.AddDate(0, 0, -20)}))
	require.NoError(t, store.RecordSystemEvent(ctx, SystemEvent{Type: EventSystemStart, Time: now}))

	stats, err := store.Statistics(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.PeriodDays)
	assert.Equal(t, 4, stats.TotalDetections)
	assert.Equal(t, 1, stats.PriorityActivations)
	assert.Equal(t, map[string]int{"north": 2, "east": 1, detect.LaneUnknown: 1}, stats.DetectionsByLane)
	assert.Equal(t, map[string]int{"09": 1, "10": 2, "11": 1}, stats.DetectionsByHour)
}

func TestStore_Cleanup(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := openTestStore(t, now)
	ctx := context.Background()

	old := now.AddDate(0, 0, -100)
	require.NoError(t, store.RecordDetection(ctx, detect.Detection{Class: "ambulance"}, old))
	require.NoError(t, store.RecordDetection(ctx, detect.Detection{Class: "ambulance"}, now))
	require.NoError(t, store.RecordTransition(ctx, traffic.Transition{Direction: traffic.North, New: traffic.Green, Time: old}))
	require.NoError(t, store.RecordSystemEvent(ctx, SystemEvent{Type: EventSystemStart, Time: old}))
	require.NoError(t, store.RecordSystemEvent(ctx, SystemEvent{Type: EventSystemStop, Time: now}))

	result, err := store.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Detections: 1, Transitions: 1, Events: 1}, result)

	remaining, err := store.RecentDetections(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}
