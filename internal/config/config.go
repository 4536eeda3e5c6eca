package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lifeline/internal/detect"
	"lifeline/internal/recorder"
	"lifeline/internal/traffic"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Signal    SignalConfig    `yaml:"signal"`
	Detection DetectionConfig `yaml:"detection"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recorder  recorder.Config `yaml:"recorder"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"` // APIサーバーを起動するか
	Host    string `yaml:"host"`    // リッスンするホスト
	Port    int    `yaml:"port"`    // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト（ストリーミングのため0で無効）
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待機時間
}

// CameraConfig は映像ソースの設定
type CameraConfig struct {
	Source     string `yaml:"source"`      // カメラ番号、デバイスパス、動画ファイル、またはストリームURL
	Type       string `yaml:"type"`        // device / file / stream（空なら自動判定）
	Width      int    `yaml:"width"`       // 画像幅
	Height     int    `yaml:"height"`      // 画像高さ
	FPS        int    `yaml:"fps"`         // フレームレート
	BufferSize int    `yaml:"buffer_size"` // フレームキューの容量
}

// SignalConfig は信号制御の設定
type SignalConfig struct {
	GreenDuration         time.Duration            `yaml:"green_duration"`          // 既定の青時間
	GreenOverrides        map[string]time.Duration `yaml:"green_overrides"`         // 方向ごとの青時間
	YellowDuration        time.Duration            `yaml:"yellow_duration"`         // 黄時間
	AllRedDuration        time.Duration            `yaml:"all_red_duration"`        // 全赤時間
	ManualOverrideEnabled bool                     `yaml:"manual_override_enabled"` // 手動オーバーライドを許可するか
}

// DetectionConfig は検出器と車線の設定
type DetectionConfig struct {
	Endpoint            string            `yaml:"endpoint"`             // 推論サービスのURL（空なら検出なし）
	Timeout             time.Duration     `yaml:"timeout"`              // 推論1回あたりのタイムアウト
	ConfidenceThreshold float64           `yaml:"confidence_threshold"` // 信頼度のしきい値
	Classes             []string          `yaml:"classes"`              // 対象クラス（空なら全て）
	LaneRegions         map[string][4]int `yaml:"lane_regions"`         // 方向名 → [x1, y1, x2, y2]
	ShowLaneRegions     bool              `yaml:"show_lane_regions"`    // 注釈フレームに車線領域を描くか
	ClearAfter          time.Duration     `yaml:"clear_after"`          // 未検出が続いたら優先を解除する時間（0で無効）
}

// DatabaseConfig はイベントストアの設定
type DatabaseConfig struct {
	Path            string        `yaml:"path"`             // SQLiteファイルのパス
	RetentionDays   int           `yaml:"retention_days"`   // 保持期間（0で無期限）
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // 古いレコードを削除する間隔
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Source:     "0",
			Width:      1280,
			Height:     720,
			FPS:        30,
			BufferSize: 10,
		},
		Signal: SignalConfig{
			GreenDuration:         30 * time.Second,
			YellowDuration:        3 * time.Second,
			AllRedDuration:        2 * time.Second,
			ManualOverrideEnabled: true,
		},
		Detection: DetectionConfig{
			Timeout:             2 * time.Second,
			ConfidenceThreshold: 0.5,
			Classes:             []string{"ambulance"},
			LaneRegions: map[string][4]int{
				"north": {400, 0, 880, 300},
				"south": {400, 420, 880, 720},
				"east":  {880, 200, 1280, 520},
				"west":  {0, 200, 400, 520},
			},
			ShowLaneRegions: true,
		},
		Database: DatabaseConfig{
			Path:            "data/lifeline.db",
			RetentionDays:   90,
			CleanupInterval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Recorder: recorder.DefaultConfig(),
	}
}

// Load は設定を読み込む
//
// デフォルト値にYAMLファイル（pathが空なら省略）を重ね、環境変数で上書きしてから検証する。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// decode はYAMLを現在の値に重ねる。未知のキーはエラーにする
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv は環境変数による上書きを適用する
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SERVER_HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("環境変数 PORT が不正です: %q", v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("CAMERA_SOURCE"); ok && v != "" {
		c.Camera.Source = v
	}
	if v, ok := lookup("DETECTOR_URL"); ok {
		c.Detection.Endpoint = v
	}
	if v, ok := lookup("DB_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}

	// カメラ設定の検証
	if strings.TrimSpace(c.Camera.Source) == "" {
		errs = append(errs, errors.New("映像ソースが指定されていません"))
	}
	switch c.Camera.Type {
	case "", "device", "file", "stream":
	default:
		errs = append(errs, fmt.Errorf("無効な映像ソース種別: %q", c.Camera.Type))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Camera.FPS))
	}
	if c.Camera.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("無効なバッファサイズ: %d", c.Camera.BufferSize))
	}

	// 信号設定の検証
	if c.Signal.GreenDuration <= 0 {
		errs = append(errs, fmt.Errorf("無効な青時間: %s", c.Signal.GreenDuration))
	}
	for name, d := range c.Signal.GreenOverrides {
		if _, err := traffic.ParseDirection(name); err != nil {
			errs = append(errs, fmt.Errorf("green_overrides: %w", err))
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("green_overrides.%s: 無効な青時間: %s", name, d))
		}
	}
	if c.Signal.YellowDuration < 0 || c.Signal.AllRedDuration < 0 {
		errs = append(errs, errors.New("黄時間と全赤時間は0以上である必要があります"))
	}

	// 検出設定の検証
	if c.Detection.ConfidenceThreshold < 0 || c.Detection.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("信頼度のしきい値は0〜1である必要があります: %g", c.Detection.ConfidenceThreshold))
	}
	if c.Detection.ClearAfter < 0 {
		errs = append(errs, fmt.Errorf("無効な優先解除時間: %s", c.Detection.ClearAfter))
	}
	if _, err := detect.NewLaneRegions(c.Detection.LaneRegions); err != nil {
		errs = append(errs, err)
	}

	// データベース設定の検証
	if c.Database.Path == "" {
		errs = append(errs, errors.New("データベースのパスが指定されていません"))
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("無効な保持期間: %d", c.Database.RetentionDays))
	}

	// ログ設定の検証
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("無効なログ形式: %q", c.Logging.Format))
	}

	// 録画設定の検証
	if c.Recorder.Enabled {
		if c.Recorder.CaptureInterval <= 0 || c.Recorder.UpdateInterval <= 0 {
			errs = append(errs, errors.New("録画の取り込み間隔と更新間隔は正の値である必要があります"))
		}
		if c.Recorder.Quality < 1 || c.Recorder.Quality > 5 {
			errs = append(errs, fmt.Errorf("録画品質は1〜5である必要があります: %d", c.Recorder.Quality))
		}
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Timing は信号コントローラー用のタイミング設定を返す
func (s SignalConfig) Timing() traffic.Timing {
	t := traffic.UniformTiming(s.GreenDuration)
	for name, d := range s.GreenOverrides {
		if dir, err := traffic.ParseDirection(name); err == nil {
			t.Green[dir] = d
		}
	}
	t.Yellow = s.YellowDuration
	t.AllRed = s.AllRedDuration
	return t
}

// SlogLevel はログレベルを slog.Level に変換する
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("無効なログレベル: %q", l.Level)
	}
}

// NewLogger は設定に従ってロガーを作成する
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
