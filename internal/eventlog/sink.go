// Package eventlog は検出・信号遷移・システムイベントの記録を扱う
//
// 記録はベストエフォートで行う。出力先の失敗は呼び出し側に伝播させず、ログに残すだけにする。
package eventlog

import (
	"log/slog"
	"time"

	"lifeline/internal/detect"
	"lifeline/internal/traffic"
)

// システムイベントの種類
const (
	EventSystemStart         = "system_start"
	EventSystemStop          = "system_stop"
	EventPriorityActivated   = "priority_activated"
	EventPriorityDeactivated = "priority_deactivated"
	EventPriorityReplaced    = "priority_replaced"
	EventOverrideChanged     = "manual_override"
	EventLoopError           = "control_loop_error"
)

// SystemEvent は汎用のシステムイベント
type SystemEvent struct {
	Type        string         `json:"event_type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Time        time.Time      `json:"timestamp"`
}

// Sink はイベントの追記専用の出力先
type Sink interface {
	LogDetection(d detect.Detection)
	LogTransition(t traffic.Transition)
	LogSystemEvent(e SystemEvent)
}

// Multi は複数の出力先へ順に配信する
type Multi []Sink

// LogDetection は全ての出力先に検出を記録する
func (m Multi) LogDetection(d detect.Detection) {
	for _, s := range m {
		s.LogDetection(d)
	}
}

// LogTransition は全ての出力先に遷移を記録する
func (m Multi) LogTransition(t traffic.Transition) {
	for _, s := range m {
		s.LogTransition(t)
	}
}

// LogSystemEvent は全ての出力先にイベントを記録する
func (m Multi) LogSystemEvent(e SystemEvent) {
	for _, s := range m {
		s.LogSystemEvent(e)
	}
}

// LogSink は構造化ログへ出力するSink
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink は新しいLogSinkを作成する
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "eventlog")}
}

// LogDetection は検出をログに出力する（フレームごとに出るためDebug）
func (l *LogSink) LogDetection(d detect.Detection) {
	l.logger.Debug("緊急車両を検出しました",
		"class", d.Class,
		"confidence", d.Confidence,
		"lane", d.Lane,
		"bbox", []int{d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2})
}

// LogTransition は信号遷移をログに出力する
func (l *LogSink) LogTransition(t traffic.Transition) {
	l.logger.Info("信号が変化しました",
		"direction", t.Direction.String(),
		"old", t.Old.String(),
		"new", t.New.String(),
		"reason", t.Reason,
		"priority", t.Priority)
}

// LogSystemEvent はシステムイベントをログに出力する
func (l *LogSink) LogSystemEvent(e SystemEvent) {
	l.logger.Info(e.Description, "event_type", e.Type, "metadata", e.Metadata)
}
