package app

import (
	"context"
	"fmt"
	"time"

	"lifeline/internal/camera"
	"lifeline/internal/control"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/recorder"
	"lifeline/internal/traffic"
)

// SignalStatus は信号の状態
type SignalStatus struct {
	States         map[string]string `json:"states"`
	Mode           traffic.Mode      `json:"mode"`
	PriorityMode   bool              `json:"priority_mode"`
	PriorityLane   string            `json:"priority_lane,omitempty"`
	PriorityStart  *time.Time        `json:"priority_start,omitempty"`
	ManualOverride bool              `json:"manual_override"`
}

// Status はシステム全体の状態
type Status struct {
	RunID         string              `json:"run_id"`
	Running       bool                `json:"is_running"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Signals       SignalStatus        `json:"signals"`
	Loop          control.Stats       `json:"loop"`
	Video         camera.Stats        `json:"video"`
	Recorder      recorder.StatusInfo `json:"recorder"`
	Timestamp     time.Time           `json:"timestamp"`
}

// LatestDetections は直近フレームの検出結果
type LatestDetections struct {
	Detections []detect.Detection `json:"detections"`
	Count      int                `json:"count"`
	Timestamp  *time.Time         `json:"timestamp,omitempty"`
}

// RecentLogs は直近の記録
type RecentLogs struct {
	Detections  []eventlog.DetectionRecord  `json:"detections"`
	Transitions []eventlog.TransitionRecord `json:"signal_changes"`
	Events      []eventlog.EventRecord      `json:"system_events"`
}

// Status は現在の状態を返す
func (s *System) Status() Status {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	now := s.now()
	st := Status{
		RunID:     s.runID,
		Running:   running,
		Signals:   s.Signals(),
		Loop:      s.loop.Stats(),
		Video:     s.source.Stats(),
		Recorder:  s.recorder.Status(),
		Timestamp: now,
	}
	if running {
		st.StartedAt = &startedAt
		st.UptimeSeconds = now.Sub(startedAt).Seconds()
	}
	return st
}

// Signals は信号の状態を返す
func (s *System) Signals() SignalStatus {
	snap := s.controller.Snapshot()
	st := SignalStatus{
		States:         snap.States.Map(),
		Mode:           snap.Mode,
		PriorityMode:   snap.InPriority,
		ManualOverride: snap.ManualOverride,
	}
	if snap.PriorityLane != nil {
		st.PriorityLane = snap.PriorityLane.String()
		start := snap.PriorityStart
		st.PriorityStart = &start
	}
	return st
}

// ActivatePriority は指定レーンの優先モードを開始する
//
// 別レーンが優先中の場合は置き換え、priority_replaced イベントを記録する。
func (s *System) ActivatePriority(lane string) error {
	dir, err := traffic.ParseDirection(lane)
	if err != nil {
		return err
	}

	previous, hadPriority, err := s.controller.SwapPriority(dir)
	if err != nil {
		return err
	}

	event := eventlog.SystemEvent{
		Type:        eventlog.EventPriorityActivated,
		Description: "APIにより優先モードを開始しました",
		Metadata:    map[string]any{"lane": dir.String(), "source": "api"},
		Time:        s.now(),
	}
	if hadPriority {
		if previous == dir {
			return nil
		}
		event.Type = eventlog.EventPriorityReplaced
		event.Description = "優先レーンを置き換えました"
		event.Metadata["previous"] = previous.String()
	}
	s.sink.LogSystemEvent(event)
	return nil
}

// DeactivatePriority は優先モードを解除する。優先モードでなければ何もしない
func (s *System) DeactivatePriority() {
	lane, released := s.controller.ReleasePriority()
	if !released {
		return
	}
	s.sink.LogSystemEvent(eventlog.SystemEvent{
		Type:        eventlog.EventPriorityDeactivated,
		Description: "APIにより優先モードを解除しました",
		Metadata:    map[string]any{"lane": lane.String(), "source": "api"},
		Time:        s.now(),
	})
}

// SetManualOverride は手動オーバーライドを切り替える
func (s *System) SetManualOverride(enabled bool) error {
	if err := s.controller.SetManualOverride(enabled); err != nil {
		return err
	}

	desc := "手動オーバーライドを無効にしました"
	if enabled {
		desc = "手動オーバーライドを有効にしました"
	}
	s.sink.LogSystemEvent(eventlog.SystemEvent{
		Type:        eventlog.EventOverrideChanged,
		Description: desc,
		Metadata:    map[string]any{"enabled": enabled},
		Time:        s.now(),
	})
	return nil
}

// SetSignalState は手動オーバーライド中に1方向の信号を設定する
func (s *System) SetSignalState(direction, state string) error {
	dir, err := traffic.ParseDirection(direction)
	if err != nil {
		return err
	}
	st, err := traffic.ParseSignalState(state)
	if err != nil {
		return err
	}
	return s.controller.SetSignalState(dir, st)
}

// LatestDetections は直近フレームの検出結果を返す
func (s *System) LatestDetections() LatestDetections {
	detections, at := s.loop.LatestDetections()
	out := LatestDetections{
		Detections: detections,
		Count:      len(detections),
	}
	if !at.IsZero() {
		out.Timestamp = &at
	}
	return out
}

// Statistics は直近days日の統計を返す
func (s *System) Statistics(ctx context.Context, days int) (eventlog.Statistics, error) {
	if days < 1 || days > MaxStatisticsDays {
		return eventlog.Statistics{}, fmt.Errorf("%w: days は1〜%dで指定してください: %d", ErrInvalidArgument, MaxStatisticsDays, days)
	}
	return s.store.Statistics(ctx, days)
}

// RecentLogs は直近の検出・信号遷移・システムイベントを返す
func (s *System) RecentLogs(ctx context.Context, limit int) (RecentLogs, error) {
	if limit < 1 || limit > MaxRecentLogs {
		return RecentLogs{}, fmt.Errorf("%w: limit は1〜%dで指定してください: %d", ErrInvalidArgument, MaxRecentLogs, limit)
	}

	var logs RecentLogs
	var err error
	if logs.Detections, err = s.store.RecentDetections(ctx, limit); err != nil {
		return logs, err
	}
	if logs.Transitions, err = s.store.RecentTransitions(ctx, limit); err != nil {
		return logs, err
	}
	if logs.Events, err = s.store.RecentEvents(ctx, limit); err != nil {
		return logs, err
	}
	return logs, nil
}
