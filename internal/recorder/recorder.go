package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"lifeline/internal/camera"
)

const (
	filePrefix  = "lifeline_"
	fileExt     = ".mp4"
	stopTimeout = 3 * time.Second
)

// Option はRecorderのオプション
type Option func(*Recorder)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithEncoder は動画の書き出し先を差し替える
func WithEncoder(enc Encoder) Option {
	return func(r *Recorder) { r.encoder = enc }
}

// WithClock は時刻取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder は注釈付きフレームを一定間隔で取り込み、日ごとの動画に追記する
type Recorder struct {
	source  *camera.LatestFrame
	config  Config
	encoder Encoder
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	buffer       []camera.Frame
	lastSeq      uint64
	currentVideo string
	lastUpdate   time.Time
	sessionID    string
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup

	// 動画ファイルへの書き出しを直列化する
	writeMu sync.Mutex
}

// New は新しいRecorderを作成する
func New(source *camera.LatestFrame, config Config, opts ...Option) *Recorder {
	r := &Recorder{
		source: source,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	def := DefaultConfig()
	if r.config.CaptureInterval <= 0 {
		r.config.CaptureInterval = def.CaptureInterval
	}
	if r.config.UpdateInterval <= 0 {
		r.config.UpdateInterval = def.UpdateInterval
	}
	if r.config.OutputDir == "" {
		r.config.OutputDir = def.OutputDir
	}
	if r.encoder == nil {
		r.encoder = NewFFmpegEncoder("", r.config.FrameRate, r.config.Quality)
	}
	return r
}

// Start は取り込みと書き出しのゴルーチンを起動する
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.Enabled {
		r.logger.Info("録画機能は無効です")
		return nil
	}
	if r.running {
		return nil
	}

	if err := os.MkdirAll(r.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	r.sessionID = uuid.NewString()
	r.stopCh = make(chan struct{})
	r.running = true
	r.currentVideo = videoFilename(r.now())

	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(2)
	go r.captureFrames(r.stopCh)
	go r.schedule(runCtx, r.stopCh)

	r.logger.Info("録画を開始しました", "session", r.sessionID, "output", r.config.OutputDir)
	return nil
}

// Stop はゴルーチンを停止し、残りのフレームを書き出す
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		r.logger.Warn("録画ゴルーチンの停止がタイムアウトしました。処理を続行します")
	case <-ctx.Done():
		r.logger.Warn("コンテキストがキャンセルされました。停止待機を中断します")
		return nil
	}

	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("停止時の書き出しに失敗しました", "error", err)
	}
	r.logger.Info("録画を停止しました")
	return nil
}

// Capture は最新フレームを1枚取り込む。前回と同じフレームなら何もしない
func (r *Recorder) Capture() bool {
	frame, ok := r.source.Load()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if frame.Seq == r.lastSeq {
		return false
	}
	r.lastSeq = frame.Seq
	r.buffer = append(r.buffer, frame)

	if limit := r.config.MaxFrameBuffer; limit > 0 && len(r.buffer) > limit {
		// 古いフレームから捨てる
		r.buffer = slices.Delete(r.buffer, 0, len(r.buffer)-limit)
	}
	return true
}

// Flush はバッファのフレームを現在の動画に書き出す
func (r *Recorder) Flush(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	frames := r.buffer
	r.buffer = nil
	if r.currentVideo == "" {
		r.currentVideo = videoFilename(r.now())
	}
	videoPath := filepath.Join(r.config.OutputDir, r.currentVideo)
	r.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	if err := r.encoder.Append(ctx, videoPath, frames); err != nil {
		return fmt.Errorf("動画の更新に失敗: %w", err)
	}

	r.mu.Lock()
	r.lastUpdate = r.now()
	r.mu.Unlock()

	r.logger.Debug("動画を更新しました", "file", videoPath, "frames", len(frames))
	return nil
}

// Rotate は現在の動画を締めて、日付に応じた新しいファイルに切り替える
func (r *Recorder) Rotate(ctx context.Context) error {
	if err := r.Flush(ctx); err != nil {
		r.logger.Warn("ローテーション前の書き出しに失敗しました", "error", err)
	}

	r.mu.Lock()
	r.currentVideo = videoFilename(r.now())
	name := r.currentVideo
	r.mu.Unlock()

	r.logger.Info("動画ファイルを切り替えました", "file", name)
	return r.Cleanup()
}

// Cleanup は保持期間を過ぎた動画を削除する
func (r *Recorder) Cleanup() error {
	if r.config.RetentionDays <= 0 {
		return nil
	}

	videos, err := r.Videos()
	if err != nil {
		return err
	}

	cutoff := r.now().AddDate(0, 0, -r.config.RetentionDays)
	for _, v := range videos {
		if v.Status == StatusRecording || !v.Modified.Before(cutoff) {
			continue
		}
		if err := os.Remove(v.FilePath); err != nil {
			r.logger.Warn("古い動画の削除に失敗しました", "file", v.FilePath, "error", err)
			continue
		}
		r.logger.Info("古い動画を削除しました", "file", v.FilePath)
	}
	return nil
}

// Videos は出力ディレクトリの動画一覧を返す
func (r *Recorder) Videos() ([]Video, error) {
	entries, err := os.ReadDir(r.config.OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Video{}, nil
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	r.mu.Lock()
	current := r.currentVideo
	running := r.running
	r.mu.Unlock()

	videos := []Video{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || filepath.Ext(name) != fileExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("ファイル情報の取得に失敗しました", "file", name, "error", err)
			continue
		}

		status := StatusCompleted
		if running && name == current {
			status = StatusRecording
		}
		videos = append(videos, Video{
			Name:     name,
			FilePath: filepath.Join(r.config.OutputDir, name),
			FileSize: info.Size(),
			Modified: info.ModTime(),
			Status:   status,
		})
	}
	return videos, nil
}

// Status は録画機能の状態を返す
func (r *Recorder) Status() StatusInfo {
	videos, _ := r.Videos()

	r.mu.Lock()
	defer r.mu.Unlock()

	info := StatusInfo{
		Enabled:         r.config.Enabled,
		Running:         r.running,
		SessionID:       r.sessionID,
		CurrentVideo:    r.currentVideo,
		FrameBufferSize: len(r.buffer),
		TotalVideos:     len(videos),
		LastUpdate:      r.lastUpdate,
	}
	for _, v := range videos {
		info.StorageUsed += v.FileSize
	}
	return info
}

// captureFrames は一定間隔で最新フレームを取り込む
func (r *Recorder) captureFrames(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.CaptureInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.Capture()
		}
	}
}

// schedule は定期書き出しと日次ローテーションを行う
func (r *Recorder) schedule(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.UpdateInterval)
	defer ticker.Stop()

	midnight := time.NewTimer(time.Until(nextMidnight(r.now())))
	defer midnight.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("動画の更新に失敗しました", "error", err)
			}
		case <-midnight.C:
			if err := r.Rotate(ctx); err != nil {
				r.logger.Error("動画のローテーションに失敗しました", "error", err)
			}
			midnight.Reset(time.Until(nextMidnight(r.now())))
		}
	}
}

func videoFilename(t time.Time) string {
	return filePrefix + t.Format("2006-01-02") + fileExt
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
