// Package control はフレーム取得・検出・信号制御を結ぶ制御ループを提供する
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lifeline/internal/camera"
	"lifeline/internal/detect"
	"lifeline/internal/eventlog"
	"lifeline/internal/metrics"
	"lifeline/internal/traffic"
)

const (
	// DefaultIdleSleep はキューが空のときの待機時間
	DefaultIdleSleep = 10 * time.Millisecond
	// DefaultErrorBackoff は反復が失敗したときの待機時間
	DefaultErrorBackoff = 100 * time.Millisecond
	// DefaultDetectTimeout は検出1回あたりのタイムアウト
	DefaultDetectTimeout = 2 * time.Second
	// DefaultStopTimeout はループ停止を待つ最大時間
	DefaultStopTimeout = 5 * time.Second
)

var (
	// ErrPanic は反復中のpanicを表す
	ErrPanic = errors.New("制御ループでpanicが発生しました")
	// ErrStillStopping は前回のループがまだ終了していないことを表す
	ErrStillStopping = errors.New("前回の制御ループがまだ終了していません")
)

// FrameProvider はキューからフレームを取り出す
type FrameProvider interface {
	TryDequeue() (camera.Frame, bool)
}

// SignalController は制御ループが使う信号制御の操作
type SignalController interface {
	ActivatePriority(lane traffic.Direction) error
	DeactivatePriority()
	InPriorityMode() bool
	Update()
	Snapshot() traffic.Snapshot
}

// Config は制御ループの設定
type Config struct {
	IdleSleep     time.Duration
	ErrorBackoff  time.Duration
	DetectTimeout time.Duration
	StopTimeout   time.Duration
	// ClearAfter はループが開始した優先モードを、緊急車両が見えなくなってから解除するまでの時間（0で無効）
	ClearAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.DetectTimeout <= 0 {
		c.DetectTimeout = DefaultDetectTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Stats は制御ループの累積カウンタ
type Stats struct {
	FramesProcessed     uint64 `json:"frames_processed"`
	DetectionsCount     uint64 `json:"detections_count"`
	PriorityActivations uint64 `json:"priority_activations"`
	Errors              uint64 `json:"errors"`
	Running             bool   `json:"running"`
}

// Option はLoopのオプション
type Option func(*Loop)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithSink はイベントの出力先を設定する
func WithSink(sink eventlog.Sink) Option {
	return func(l *Loop) { l.sink = sink }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithRenderer は注釈描画を設定する（未設定なら元フレームをそのまま公開する）
func WithRenderer(r *Renderer) Option {
	return func(l *Loop) { l.renderer = r }
}

// WithClock は時刻取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop は1フレームごとに検出と信号制御を行う
type Loop struct {
	frames     FrameProvider
	detector   detect.Detector
	controller SignalController
	output     *camera.LatestFrame
	config     Config

	sink     eventlog.Sink
	metrics  *metrics.Metrics
	renderer *Renderer
	logger   *slog.Logger
	now      func() time.Time

	// エラーイベントの記録を間引く
	errLimiter *rate.Limiter

	processed   atomic.Uint64
	detections  atomic.Uint64
	activations atomic.Uint64
	errorsCount atomic.Uint64
	running     atomic.Bool

	// 最新の検出結果（APIから参照）
	lastMu         sync.RWMutex
	lastDetections []detect.Detection
	lastDetectedAt time.Time

	// 制御ループのゴルーチンからのみ触る
	activatedByLoop bool
	lastEmergency   time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	cancel context.CancelFunc
}

// NewLoop は新しい制御ループを作成する
func NewLoop(frames FrameProvider, detector detect.Detector, controller SignalController, output *camera.LatestFrame, config Config, opts ...Option) *Loop {
	l := &Loop{
		frames:     frames,
		detector:   detector,
		controller: controller,
		output:     output,
		config:     config.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
		errLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.output == nil {
		l.output = camera.NewLatestFrame()
	}
	return l
}

// Start は制御ループのゴルーチンを起動する
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil
	}
	// コントローラーへの書き込みは常に1つのゴルーチンだけ
	if l.doneCh != nil {
		select {
		case <-l.doneCh:
		default:
			return ErrStillStopping
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.cancel = cancel
	l.activatedByLoop = false
	l.running.Store(true)

	go l.run(runCtx, l.stopCh, l.doneCh)
	l.logger.Info("制御ループを開始しました")
	return nil
}

// Stop は制御ループを停止する
//
// 終了は StopTimeout まで待ち、間に合わなくても処理を続ける。
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running.Load() {
		return nil
	}

	l.running.Store(false)
	close(l.stopCh)
	l.cancel()

	select {
	case <-l.doneCh:
		l.logger.Info("制御ループを停止しました")
	case <-time.After(l.config.StopTimeout):
		l.logger.Warn("制御ループの停止がタイムアウトしました。処理を続行します", "timeout", l.config.StopTimeout)
	case <-ctx.Done():
		l.logger.Warn("コンテキストがキャンセルされました。停止待機を中断します")
	}
	return nil
}

// Running はループが動作中かどうかを返す
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Output は注釈付きフレームの公開先を返す
func (l *Loop) Output() *camera.LatestFrame {
	return l.output
}

// Stats は累積カウンタを返す
func (l *Loop) Stats() Stats {
	return Stats{
		FramesProcessed:     l.processed.Load(),
		DetectionsCount:     l.detections.Load(),
		PriorityActivations: l.activations.Load(),
		Errors:              l.errorsCount.Load(),
		Running:             l.running.Load(),
	}
}

// LatestDetections は直近のフレームの検出結果のコピーを返す
func (l *Loop) LatestDetections() ([]detect.Detection, time.Time) {
	l.lastMu.RLock()
	defer l.lastMu.RUnlock()

	out := make([]detect.Detection, len(l.lastDetections))
	copy(out, l.lastDetections)
	return out, l.lastDetectedAt
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		processed, err := l.iterate(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			l.errorsCount.Add(1)
			if l.metrics != nil {
				l.metrics.LoopErrors.Inc()
			}
			l.logger.Error("制御ループでエラーが発生しました", "error", err)
			if l.errLimiter.Allow() {
				l.logEvent(eventlog.SystemEvent{
					Type:        eventlog.EventLoopError,
					Description: "制御ループでエラーが発生しました",
					Metadata:    map[string]any{"error": err.Error()},
					Time:        l.now(),
				})
			}
			if !sleepOrStop(stopCh, l.config.ErrorBackoff) {
				return
			}
		case !processed:
			if !sleepOrStop(stopCh, l.config.IdleSleep) {
				return
			}
		}
	}
}

// iterate は1反復を処理する。フレームがなければ false を返す
//
// 検出から出力までのエラーとpanicはここで受け止め、ループ自体は止めない。
func (l *Loop) iterate(ctx context.Context) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			processed = true
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	frame, ok := l.frames.TryDequeue()
	if !ok {
		return false, nil
	}
	return true, l.process(ctx, frame)
}

func (l *Loop) process(ctx context.Context, frame camera.Frame) error {
	detectCtx, cancel := context.WithTimeout(ctx, l.config.DetectTimeout)
	started := time.Now()
	detections, err := l.detector.Detect(detectCtx, frame)
	cancel()
	if l.metrics != nil {
		l.metrics.DetectDuration.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return fmt.Errorf("検出に失敗: %w", err)
	}

	now := l.now()
	l.applyPriority(detections, now)
	l.controller.Update()

	published := frame
	if l.renderer != nil {
		data, err := l.renderer.Render(frame.Data, OverlayInfo{
			Snapshot:   l.controller.Snapshot(),
			Detections: detections,
			Time:       now,
		})
		if err != nil {
			return err
		}
		published.Data = data
	}
	l.output.Store(published)

	if l.sink != nil {
		for _, d := range detections {
			l.sink.LogDetection(d)
		}
	}

	l.lastMu.Lock()
	l.lastDetections = detections
	l.lastDetectedAt = now
	l.lastMu.Unlock()

	l.processed.Add(1)
	l.detections.Add(uint64(len(detections)))
	if l.metrics != nil {
		l.metrics.LoopIterations.Inc()
	}
	return nil
}

// applyPriority は検出結果から優先モードの開始・解除を判断する
func (l *Loop) applyPriority(detections []detect.Detection, now time.Time) {
	lane, ok := detect.SelectPriorityLane(detections)
	if ok {
		l.lastEmergency = now
	}

	inPriority := l.controller.InPriorityMode()
	if !inPriority {
		l.activatedByLoop = false
	}

	if ok && !inPriority {
		l.logger.Info("緊急車両を検出しました。優先モードを要求します", "lane", lane.String())
		if err := l.controller.ActivatePriority(lane); err != nil {
			l.logger.Debug("優先モードは開始されませんでした", "lane", lane.String(), "reason", err)
			return
		}
		l.activatedByLoop = true
		l.activations.Add(1)
		l.logEvent(eventlog.SystemEvent{
			Type:        eventlog.EventPriorityActivated,
			Description: "緊急車両の検出により優先モードを開始しました",
			Metadata:    map[string]any{"lane": lane.String(), "source": "detection"},
			Time:        now,
		})
		return
	}

	if l.config.ClearAfter > 0 && inPriority && l.activatedByLoop && now.Sub(l.lastEmergency) >= l.config.ClearAfter {
		l.controller.DeactivatePriority()
		l.activatedByLoop = false
		l.logEvent(eventlog.SystemEvent{
			Type:        eventlog.EventPriorityDeactivated,
			Description: "緊急車両が通過したため優先モードを解除しました",
			Metadata:    map[string]any{"clear_after": l.config.ClearAfter.String()},
			Time:        now,
		})
	}
}

func (l *Loop) logEvent(e eventlog.SystemEvent) {
	if l.sink != nil {
		l.sink.LogSystemEvent(e)
	}
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
