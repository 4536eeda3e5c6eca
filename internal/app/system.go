// Package app は映像取得・検出・信号制御・記録を1つのシステムとして組み立てる
//
// HTTP層やコマンドからはこのパッケージの System だけを操作する。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lifeline/internal/camera"
	"lifeline/internal/config"
	"lifeline/internal/control"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/metrics"
	"lifeline/internal/recorder"
	"lifeline/internal/traffic"
)

// エラー定義
var (
	ErrAlreadyRunning  = errors.New("システムは既に起動しています")
	ErrNotRunning      = errors.New("システムは起動していません")
	ErrInvalidArgument = errors.New("無効な引数")
)

// 参照系APIの上限
const (
	MaxStatisticsDays = 365
	MaxRecentLogs     = 500
)

// Option はSystemのオプション
type Option func(*System)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *System) { s.logger = logger }
}

// WithCapturer は映像ソースを差し替える（未設定なら設定からffmpegキャプチャを作成する）
func WithCapturer(c camera.Capturer) Option {
	return func(s *System) { s.capturer = c }
}

// WithDetector は検出器を差し替える（未設定なら設定のエンドポイントを使う）
func WithDetector(d detect.Detector) Option {
	return func(s *System) { s.detector = d }
}

// WithClock は時刻取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *System) { s.now = now }
}

// System はアプリケーション全体のコンポーネントを保持する
type System struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	runID  string

	capturer   camera.Capturer
	detector   detect.Detector
	source     *camera.FrameSource
	controller *traffic.Controller
	loop       *control.Loop
	store      *eventlog.Store
	metrics    *metrics.Metrics
	recorder   *recorder.Recorder
	sink       eventlog.Sink

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New は設定からシステムを組み立てる
//
// イベントストアはここで開く。映像ソースはStartまで開かない。
func New(cfg *config.Config, opts ...Option) (*System, error) {
	s := &System{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}

	lanes, err := detect.NewLaneRegions(cfg.Detection.LaneRegions)
	if err != nil {
		return nil, fmt.Errorf("車線領域の設定が不正です: %w", err)
	}

	settings := camera.Settings{
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
		BufferSize: cfg.Camera.BufferSize,
	}
	if s.capturer == nil {
		s.capturer, err = camera.NewCapturerFactory().Create(camera.SourceConfig{
			Type:     camera.SourceType(cfg.Camera.Type),
			Source:   cfg.Camera.Source,
			Settings: settings,
			Logger:   s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("映像ソースの作成に失敗: %w", err)
		}
	}

	s.store, err = eventlog.Open(cfg.Database.Path,
		eventlog.WithStoreLogger(s.logger),
		eventlog.WithStoreClock(s.now),
	)
	if err != nil {
		return nil, err
	}

	s.metrics = metrics.New()
	s.sink = eventlog.Multi{s.store, s.metrics, eventlog.NewLogSink(s.logger)}

	s.source = camera.NewFrameSource(s.capturer, settings, camera.WithSourceLogger(s.logger))
	s.metrics.RegisterVideo(s.source.Stats)

	s.controller = traffic.NewController(cfg.Signal.Timing(), cfg.Signal.ManualOverrideEnabled,
		traffic.WithLogger(s.logger),
		traffic.WithSink(s.sink),
		traffic.WithClock(s.now),
	)

	if s.detector == nil {
		if cfg.Detection.Endpoint != "" {
			s.detector = detect.NewHTTPDetector(cfg.Detection.Endpoint, cfg.Detection.Timeout, s.logger)
		} else {
			s.logger.Warn("検出器のエンドポイントが未設定です。検出は行いません")
			s.detector = detect.NoopDetector{}
		}
	}
	detector := detect.NewFilteredDetector(s.detector, detect.FilterConfig{
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		Classes:             cfg.Detection.Classes,
		Lanes:               lanes,
	})

	output := camera.NewLatestFrame()
	s.loop = control.NewLoop(s.source, detector, s.controller, output,
		control.Config{
			DetectTimeout: cfg.Detection.Timeout,
			ClearAfter:    cfg.Detection.ClearAfter,
		},
		control.WithLogger(s.logger),
		control.WithSink(s.sink),
		control.WithMetrics(s.metrics),
		control.WithRenderer(control.NewRenderer(lanes, cfg.Detection.ShowLaneRegions, control.DefaultJPEGQuality)),
		control.WithClock(s.now),
	)

	s.recorder = recorder.New(output, cfg.Recorder, recorder.WithLogger(s.logger), recorder.WithClock(s.now))

	s.logger.Info("システムを初期化しました", "run_id", s.runID, "source", cfg.Camera.Source)
	return s, nil
}

// Start は映像取得・制御ループ・録画・定期メンテナンスを開始する
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.source.Start(ctx); err != nil {
		return err
	}
	if err := s.loop.Start(ctx); err != nil {
		_ = s.source.Stop(ctx)
		return err
	}
	if err := s.recorder.Start(ctx); err != nil {
		// 録画は補助機能なので起動は続ける
		s.logger.Warn("録画を開始できませんでした", "error", err)
	}

	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.maintenance(context.WithoutCancel(ctx), s.stopCh)

	s.running = true
	s.startedAt = s.now()
	s.sink.LogSystemEvent(eventlog.SystemEvent{
		Type:        eventlog.EventSystemStart,
		Description: "システムを開始しました",
		Metadata:    map[string]any{"run_id": s.runID, "source": s.cfg.Camera.Source},
		Time:        s.startedAt,
	})
	return nil
}

// Stop は開始したコンポーネントを逆順に停止する
func (s *System) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}

	if err := s.loop.Stop(ctx); err != nil {
		s.logger.Warn("制御ループの停止に失敗しました", "error", err)
	}
	// 停止中に優先レーンを青のまま残さない
	if lane, released := s.controller.ReleasePriority(); released {
		s.sink.LogSystemEvent(eventlog.SystemEvent{
			Type:        eventlog.EventPriorityDeactivated,
			Description: "システム停止により優先モードを解除しました",
			Metadata:    map[string]any{"lane": lane.String(), "source": "system_stop"},
			Time:        s.now(),
		})
	}
	if err := s.source.Stop(ctx); err != nil {
		s.logger.Warn("映像キャプチャの停止に失敗しました", "error", err)
	}
	if err := s.recorder.Stop(ctx); err != nil {
		s.logger.Warn("録画の停止に失敗しました", "error", err)
	}
	close(s.stopCh)
	s.wg.Wait()

	now := s.now()
	s.running = false
	s.sink.LogSystemEvent(eventlog.SystemEvent{
		Type:        eventlog.EventSystemStop,
		Description: "システムを停止しました",
		Metadata: map[string]any{
			"run_id":         s.runID,
			"uptime_seconds": now.Sub(s.startedAt).Seconds(),
		},
		Time: now,
	})
	return nil
}

// Close は動作中なら停止し、イベントストアを閉じる
func (s *System) Close(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.store.Close()
}

// Running はシステムが動作中かどうかを返す
func (s *System) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Metrics はメトリクスを返す
func (s *System) Metrics() *metrics.Metrics {
	return s.metrics
}

// Output は注釈付きフレームの公開先を返す
func (s *System) Output() *camera.LatestFrame {
	return s.loop.Output()
}

// Controller は信号コントローラーを返す
func (s *System) Controller() *traffic.Controller {
	return s.controller
}

// maintenance は保持期間を過ぎたレコードと動画を定期的に削除する
func (s *System) maintenance(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	interval := s.cfg.Database.CleanupInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Cleanup(ctx); err != nil {
			s.logger.Error("定期クリーンアップに失敗しました", "error", err)
		}

		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Cleanup は保持期間を過ぎたレコードと動画を削除する
func (s *System) Cleanup(ctx context.Context) (eventlog.CleanupResult, error) {
	var result eventlog.CleanupResult
	if days := s.cfg.Database.RetentionDays; days > 0 {
		var err error
		result, err = s.store.Cleanup(ctx, days)
		if err != nil {
			return result, err
		}
	}
	if err := s.recorder.Cleanup(); err != nil {
		s.logger.Warn("古い動画の削除に失敗しました", "error", err)
	}
	return result, nil
}
