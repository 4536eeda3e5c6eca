package app

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifeline/internal/camera"
	"lifeline/internal/config"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/traffic"
)

// fakeCapturer は一定間隔で同じJPEGを返す
type fakeCapturer struct {
	frame  []byte
	opened atomic.Int32
}

func newFakeCapturer(t *testing.T) *fakeCapturer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 320, 240)), nil))
	return &fakeCapturer{frame: buf.Bytes()}
}

func (f *fakeCapturer) Open(context.Context) error {
	f.opened.Add(1)
	return nil
}

func (f *fakeCapturer) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return f.frame, nil
}

func (f *fakeCapturer) Rewind(context.Context) error { return nil }
func (f *fakeCapturer) Close() error                 { return nil }
func (f *fakeCapturer) Live() bool                   { return true }

// laneDetector は emergency が true の間、南車線に救急車を返す
type laneDetector struct {
	emergency atomic.Bool
}

func (d *laneDetector) Detect(context.Context, camera.Frame) ([]detect.Detection, error) {
	if !d.emergency.Load() {
		return nil, nil
	}
	return []detect.Detection{{
		BBox:       detect.BBox{X1: 500, Y1: 500, X2: 700, Y2: 650},
		Confidence: 0.92,
		Class:      "ambulance",
	}}, nil
}

func newTestSystem(t *testing.T, detector detect.Detector) *System {
	t.Helper()

	cfg := config.Default()
	cfg.Camera.Source = "test"
	cfg.Database.Path = filepath.Join(t.TempDir(), "lifeline.db")
	cfg.Recorder.Enabled = false

	if detector == nil {
		detector = detect.NoopDetector{}
	}
	sys, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCapturer(newFakeCapturer(t)),
		WithDetector(detector),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close(context.Background()) })
	return sys
}

func eventTypes(t *testing.T, sys *System) []string {
	t.Helper()
	logs, err := sys.RecentLogs(context.Background(), 50)
	require.NoError(t, err)

	types := make([]string, 0, len(logs.Events))
	for _, e := range logs.Events {
		types = append(types, e.Event.Type)
	}
	return types
}

func TestSystem_StartStop(t *testing.T) {
	sys := newTestSystem(t, nil)
	ctx := context.Background()

	require.NoError(t, sys.Start(ctx))
	assert.True(t, sys.Running())
	assert.ErrorIs(t, sys.Start(ctx), ErrAlreadyRunning)

	status := sys.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.RunID)
	require.NotNil(t, status.StartedAt)

	require.NoError(t, sys.Stop(ctx))
	assert.False(t, sys.Running())
	assert.ErrorIs(t, sys.Stop(ctx), ErrNotRunning)

	assert.Subset(t, eventTypes(t, sys), []string{eventlog.EventSystemStart, eventlog.EventSystemStop})

	// 停止後に再開できる
	require.NoError(t, sys.Start(ctx))
	require.NoError(t, sys.Stop(ctx))
}

func TestSystem_StopClearsPriority(t *testing.T) {
	sys := newTestSystem(t, nil)
	ctx := context.Background()

	require.NoError(t, sys.Start(ctx))
	require.NoError(t, sys.ActivatePriority("north"))
	require.NoError(t, sys.Stop(ctx))

	signals := sys.Signals()
	assert.False(t, signals.PriorityMode)
	assert.Empty(t, signals.PriorityLane)
	for dir, state := range signals.States {
		assert.Equal(t, "red", state, dir)
	}

	// 新しい順
	assert.Equal(t, []string{
		eventlog.EventSystemStop,
		eventlog.EventPriorityDeactivated,
		eventlog.EventPriorityActivated,
		eventlog.EventSystemStart,
	}, eventTypes(t, sys))
}

func TestSystem_New_InvalidLaneRegions(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "lifeline.db")
	cfg.Detection.LaneRegions = map[string][4]int{"center": {0, 0, 10, 10}}

	_, err := New(cfg, WithCapturer(newFakeCapturer(t)))
	assert.ErrorIs(t, err, traffic.ErrUnknownDirection)
}

func TestSystem_ActivatePriority(t *testing.T) {
	sys := newTestSystem(t, nil)

	require.NoError(t, sys.ActivatePriority("North"))
	signals := sys.Signals()
	assert.True(t, signals.PriorityMode)
	assert.Equal(t, "north", signals.PriorityLane)
	assert.Equal(t, "green", signals.States["north"])
	assert.Equal(t, "red", signals.States["east"])
	assert.Equal(t, "red", signals.States["west"])

	// 同じレーンの再要求はイベントを増やさない
	require.NoError(t, sys.ActivatePriority("north"))

	require.NoError(t, sys.ActivatePriority("east"))
	signals = sys.Signals()
	assert.Equal(t, "east", signals.PriorityLane)
	assert.Equal(t, "red", signals.States["north"])
	assert.Equal(t, "green", signals.States["east"])

	sys.DeactivatePriority()
	sys.DeactivatePriority()
	signals = sys.Signals()
	assert.False(t, signals.PriorityMode)
	for _, state := range signals.States {
		assert.Equal(t, "red", state)
	}

	// 新しい順
	assert.Equal(t, []string{
		eventlog.EventPriorityDeactivated,
		eventlog.EventPriorityReplaced,
		eventlog.EventPriorityActivated,
	}, eventTypes(t, sys))

	assert.ErrorIs(t, sys.ActivatePriority("up"), traffic.ErrUnknownDirection)
}

func TestSystem_ManualOverride(t *testing.T) {
	sys := newTestSystem(t, nil)

	assert.ErrorIs(t, sys.SetSignalState("north", "green"), traffic.ErrNotInOverride)

	require.NoError(t, sys.SetManualOverride(true))
	assert.ErrorIs(t, sys.ActivatePriority("north"), traffic.ErrManualOverride)

	require.NoError(t, sys.SetSignalState("north", "green"))
	require.NoError(t, sys.SetSignalState("south", "green"))
	assert.ErrorIs(t, sys.SetSignalState("east", "green"), traffic.ErrConflict)
	assert.ErrorIs(t, sys.SetSignalState("east", "blue"), traffic.ErrUnknownState)
	assert.Equal(t, "red", sys.Signals().States["east"])
	assert.Equal(t, traffic.ModeManual, sys.Signals().Mode)

	require.NoError(t, sys.SetManualOverride(false))
	assert.Contains(t, eventTypes(t, sys), eventlog.EventOverrideChanged)
}

func TestSystem_ManualOverrideDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "lifeline.db")
	cfg.Signal.ManualOverrideEnabled = false

	sys, err := New(cfg, WithCapturer(newFakeCapturer(t)), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close(context.Background()) })

	assert.ErrorIs(t, sys.SetManualOverride(true), traffic.ErrOverrideDisabled)
	assert.NotContains(t, eventTypes(t, sys), eventlog.EventOverrideChanged)
}

func TestSystem_QueryValidation(t *testing.T) {
	sys := newTestSystem(t, nil)
	ctx := context.Background()

	_, err := sys.Statistics(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = sys.Statistics(ctx, MaxStatisticsDays+1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = sys.RecentLogs(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	stats, err := sys.Statistics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.PeriodDays)
	assert.Zero(t, stats.TotalDetections)

	logs, err := sys.RecentLogs(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, logs.Detections)
	assert.Empty(t, logs.Detections)
}

func TestSystem_DetectionTriggersPriority(t *testing.T) {
	detector := &laneDetector{}
	sys := newTestSystem(t, detector)
	ctx := context.Background()

	require.NoError(t, sys.Start(ctx))
	t.Cleanup(func() { _ = sys.Stop(ctx) })

	// 注釈付きフレームが公開される
	require.Eventually(t, func() bool {
		_, ok := sys.Output().Load()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sys.Signals().PriorityMode)

	detector.emergency.Store(true)
	require.Eventually(t, func() bool {
		return sys.Signals().PriorityLane == "south"
	}, 2*time.Second, 10*time.Millisecond)

	signals := sys.Signals()
	assert.Equal(t, "green", signals.States["south"])
	assert.Equal(t, "red", signals.States["east"])
	assert.Equal(t, "red", signals.States["west"])

	latest := sys.LatestDetections()
	require.NotEmpty(t, latest.Detections)
	assert.Equal(t, "south", latest.Detections[0].Lane)

	status := sys.Status()
	assert.Positive(t, status.Loop.FramesProcessed)
	assert.Equal(t, uint64(1), status.Loop.PriorityActivations)

	require.NoError(t, sys.Stop(ctx))

	stats, err := sys.Statistics(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PriorityActivations)
	assert.Positive(t, stats.DetectionsByLane["south"])
}
