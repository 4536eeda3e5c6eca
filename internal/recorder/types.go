// Package recorder は注釈付きフレームを定期的に取り込み、日ごとの動画ファイルにまとめる
package recorder

import (
	"time"
)

// Config は録画設定
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	OutputDir       string        `yaml:"output_dir" json:"output_dir"`
	CaptureInterval time.Duration `yaml:"capture_interval" json:"capture_interval"` // フレーム取り込み間隔
	UpdateInterval  time.Duration `yaml:"update_interval" json:"update_interval"`   // 動画への書き出し間隔
	FrameRate       int           `yaml:"frame_rate" json:"frame_rate"`             // 出力動画のフレームレート
	Quality         int           `yaml:"quality" json:"quality"`                   // 動画品質 (1-5)
	MaxFrameBuffer  int           `yaml:"max_frame_buffer" json:"max_frame_buffer"` // 書き出し前に保持する最大フレーム数
	RetentionDays   int           `yaml:"retention_days" json:"retention_days"`     // 保持期間（日数、0で無期限）
}

// DefaultConfig はデフォルトの録画設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		OutputDir:       "recordings",
		CaptureInterval: time.Second,
		UpdateInterval:  10 * time.Minute,
		FrameRate:       10,
		Quality:         3,
		MaxFrameBuffer:  1200,
		RetentionDays:   14,
	}
}

// Status は動画ファイルの状態
type Status string

// Status の定数定義
const (
	StatusRecording Status = "recording" // 録画中
	StatusCompleted Status = "completed" // 完了
)

// Video は録画済み動画の情報
type Video struct {
	Name     string    `json:"name"`
	FilePath string    `json:"file_path"`
	FileSize int64     `json:"file_size"`
	Modified time.Time `json:"modified"`
	Status   Status    `json:"status"`
}

// StatusInfo は録画機能の状態
type StatusInfo struct {
	Enabled         bool      `json:"enabled"`
	Running         bool      `json:"running"`
	SessionID       string    `json:"session_id,omitempty"`
	CurrentVideo    string    `json:"current_video,omitempty"`
	FrameBufferSize int       `json:"frame_buffer_size"`
	TotalVideos     int       `json:"total_videos"`
	StorageUsed     int64     `json:"storage_used"`
	LastUpdate      time.Time `json:"last_update"`
}
