package camera

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultStopTimeout はキャプチャゴルーチンの終了を待つ最大時間
	DefaultStopTimeout = 5 * time.Second

	pausePollInterval = 100 * time.Millisecond
	readRetryDelay    = 100 * time.Millisecond
	fpsWindow         = time.Second
)

// SourceOption はFrameSourceのオプション
type SourceOption func(*FrameSource)

// WithSourceLogger はロガーを設定する
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *FrameSource) { s.logger = logger }
}

// WithStopTimeout は停止時の待機時間を設定する
func WithStopTimeout(d time.Duration) SourceOption {
	return func(s *FrameSource) { s.stopTimeout = d }
}

// WithSourceClock は時刻取得関数を差し替える（テスト用）
func WithSourceClock(now func() time.Time) SourceOption {
	return func(s *FrameSource) { s.now = now }
}

// FrameSource はキャプチャ速度と消費速度を切り離す
//
// 専用ゴルーチンでCapturerからフレームを読み取り、有界キューと最新フレームスロットに配る。
type FrameSource struct {
	capturer    Capturer
	settings    Settings
	queue       *FrameQueue
	latest      *LatestFrame
	logger      *slog.Logger
	stopTimeout time.Duration
	now         func() time.Time

	// 読み取り失敗の警告を間引く
	warnLimiter *rate.Limiter

	// 統計（キャプチャゴルーチンをブロックしないようにatomicで保持）
	running    atomic.Bool
	paused     atomic.Bool
	frameCount atomic.Uint64
	fpsBits    atomic.Uint64
	seq        atomic.Uint64

	// ライフサイクル制御
	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
}

// NewFrameSource は新しいFrameSourceを作成する
func NewFrameSource(capturer Capturer, settings Settings, opts ...SourceOption) *FrameSource {
	s := &FrameSource{
		capturer:    capturer,
		settings:    settings,
		queue:       NewFrameQueue(settings.BufferSize),
		latest:      NewLatestFrame(),
		logger:      slog.Default(),
		stopTimeout: DefaultStopTimeout,
		now:         time.Now,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start はソースを開いてキャプチャゴルーチンを起動する
//
// ソースを開けない場合は ErrOpen をラップしたエラーを返す。
func (s *FrameSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil // 既に開始済み
	}
	// 停止待機がタイムアウトしたゴルーチンが残っている間は開始しない
	if s.doneCh != nil {
		select {
		case <-s.doneCh:
		default:
			return ErrStillStopping
		}
	}

	// リクエストのキャンセルでキャプチャが止まらないよう切り離す
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.logger.Info("映像キャプチャを開始します")
	if err := s.capturer.Open(runCtx); err != nil {
		cancel()
		s.logger.Error("映像ソースを開けませんでした", "error", err)
		return fmt.Errorf("%w: %v", ErrOpen, err)
	}

	// 前回の実行で残ったフレームは使わない
	s.queue.Drain()
	s.latest.Reset()

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.cancel = cancel
	s.paused.Store(false)
	s.running.Store(true)

	go s.captureLoop(runCtx, s.stopCh, s.doneCh)
	return nil
}

// Stop はキャプチャゴルーチンを停止してソースを解放する
//
// ゴルーチンの終了は stopTimeout まで待ち、間に合わなくても処理を続ける。
func (s *FrameSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil // 既に停止済み
	}

	s.logger.Info("映像キャプチャを停止しています")
	s.running.Store(false)
	close(s.stopCh)
	s.cancel()

	select {
	case <-s.doneCh:
	case <-time.After(s.stopTimeout):
		s.logger.Warn("キャプチャゴルーチンの停止がタイムアウトしました。処理を続行します", "timeout", s.stopTimeout)
	case <-ctx.Done():
		s.logger.Warn("コンテキストがキャンセルされました。停止待機を中断します")
	}

	if err := s.capturer.Close(); err != nil {
		s.logger.Warn("映像ソースの解放に失敗しました", "error", err)
	}
	s.queue.Drain()
	s.latest.Reset()
	s.fpsBits.Store(0)

	s.logger.Info("映像キャプチャを停止しました")
	return nil
}

// Pause はデバイスを解放せずにキャプチャを一時停止する
func (s *FrameSource) Pause() {
	s.paused.Store(true)
	s.logger.Info("映像キャプチャを一時停止しました")
}

// Resume は一時停止を解除する
func (s *FrameSource) Resume() {
	s.paused.Store(false)
	s.logger.Info("映像キャプチャを再開しました")
}

// TryDequeue はキューからフレームを取り出す（ブロックしない）
func (s *FrameSource) TryDequeue() (Frame, bool) {
	return s.queue.TryPop()
}

// CurrentFrame は最新フレームのコピーを返す（キューの状態とは無関係）
func (s *FrameSource) CurrentFrame() (Frame, bool) {
	return s.latest.Load()
}

// Latest は最新フレームスロットを返す（ストリーミング配信用）
func (s *FrameSource) Latest() *LatestFrame {
	return s.latest
}

// Settings はキャプチャ設定を返す
func (s *FrameSource) Settings() Settings {
	return s.settings
}

// Stats は取得統計を返す
func (s *FrameSource) Stats() Stats {
	return Stats{
		FrameCount:    s.frameCount.Load(),
		FPS:           math.Float64frombits(s.fpsBits.Load()),
		Dropped:       s.queue.Dropped(),
		QueueDepth:    s.queue.Len(),
		QueueCapacity: s.queue.Cap(),
		Running:       s.running.Load(),
		Paused:        s.paused.Load(),
	}
}

// captureLoop はキャプチャゴルーチンの本体
func (s *FrameSource) captureLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	fps := fpsMeter{start: s.now()}

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if s.paused.Load() {
			s.observeFPS(&fps, s.now(), false)
			if !sleepOrStop(stopCh, pausePollInterval) {
				return
			}
			continue
		}

		data, err := s.capturer.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// フレームが途絶えてもFPSは下がっていく
			s.observeFPS(&fps, s.now(), false)
			if !s.handleReadError(ctx, err) {
				return
			}
			if !sleepOrStop(stopCh, readRetryDelay) {
				return
			}
			continue
		}

		frame := Frame{
			Seq:       s.seq.Add(1),
			Timestamp: s.now(),
			Data:      data,
		}
		s.publish(frame)
		s.observeFPS(&fps, frame.Timestamp, true)
	}
}

// fpsMeter は1秒窓のフレーム数を数える（キャプチャゴルーチン専用）
type fpsMeter struct {
	start time.Time
	count int
}

// observeFPS は窓を進め、1秒経過していればFPSを更新する
func (s *FrameSource) observeFPS(m *fpsMeter, now time.Time, frame bool) {
	if frame {
		m.count++
	}
	elapsed := now.Sub(m.start)
	if elapsed < fpsWindow {
		return
	}
	s.fpsBits.Store(math.Float64bits(float64(m.count) / elapsed.Seconds()))
	m.count = 0
	m.start = now
}

// publish は最新フレームを更新し、キューへ投入する（満杯なら破棄）
func (s *FrameSource) publish(frame Frame) {
	s.latest.Store(frame)
	s.frameCount.Add(1)

	if !s.queue.TryPush(frame) {
		s.logger.Debug("キューが満杯のためフレームを破棄しました", "seq", frame.Seq)
	}
}

// handleReadError は読み取り失敗を処理する。停止すべき場合はfalseを返す
func (s *FrameSource) handleReadError(ctx context.Context, err error) bool {
	if s.warnLimiter.Allow() {
		s.logger.Warn("フレームの読み取りに失敗しました", "error", err)
	}

	if s.capturer.Live() {
		// ライブソースは巻き戻さずに次の反復で再試行する
		return true
	}

	// ファイルソースは先頭に戻してループ再生する
	if rerr := s.capturer.Rewind(ctx); rerr != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Error("動画ファイルの巻き戻しに失敗しました", "error", rerr)
	} else {
		s.logger.Debug("動画ファイルを先頭に巻き戻しました")
	}
	return true
}

// sleepOrStop はdだけ待つ。停止要求があればfalseを返す
func sleepOrStop(stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}
