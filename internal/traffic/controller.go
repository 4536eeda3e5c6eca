package traffic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TransitionSink は信号遷移イベントの出力先
type TransitionSink interface {
	LogTransition(t Transition)
}

// Timing は信号サイクルのタイミング設定
type Timing struct {
	Green  [NumDirections]time.Duration // 方向ごとの青時間
	Yellow time.Duration                // 黄時間（通常サイクルでは即時切替のため参照のみ）
	AllRed time.Duration                // 全赤時間（同上）
}

// UniformTiming は全方向に同じ青時間を設定したTimingを返す
func UniformTiming(green time.Duration) Timing {
	var t Timing
	for _, d := range Directions() {
		t.Green[d] = green
	}
	return t
}

// Option はControllerのオプション
type Option func(*Controller)

// WithClock は時刻取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSink は遷移イベントの出力先を設定する
func WithSink(sink TransitionSink) Option {
	return func(c *Controller) { c.sink = sink }
}

// Controller は交差点の信号状態を管理する
//
// 状態の変更は公開メソッド経由でのみ行われ、どの変更も競合表に対してアトミックに適用される。
// 読み取りは常にコピーを返す。
type Controller struct {
	timing                Timing
	manualOverrideEnabled bool

	mu             sync.RWMutex
	states         States
	priorityLane   Direction
	priorityStart  time.Time
	inPriority     bool
	manualOverride bool
	cycleIndex     int
	cycleStart     time.Time

	now    func() time.Time
	logger *slog.Logger
	sink   TransitionSink
}

// NewController は全方向赤の状態でControllerを作成する
func NewController(timing Timing, manualOverrideEnabled bool, opts ...Option) *Controller {
	c := &Controller{
		timing:                timing,
		manualOverrideEnabled: manualOverrideEnabled,
		now:                   time.Now,
		logger:                slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, d := range Directions() {
		c.states[d] = Red
	}
	c.cycleStart = c.now()
	c.logger.Info("信号コントローラーを初期化しました", "manual_override_enabled", manualOverrideEnabled)
	return c
}

// ActivatePriority は指定レーンを即座に青にし、競合方向を赤にする
//
// 黄信号を経由しない。既に別レーンが優先中の場合は新しい要求で置き換える。
func (c *Controller) ActivatePriority(lane Direction) error {
	_, _, err := c.SwapPriority(lane)
	return err
}

// SwapPriority は ActivatePriority と同じ処理を行い、直前の優先レーンを返す
//
// hadPriority は呼び出し時点で優先モードだったかどうか。判定と変更は同じロック内で行う。
func (c *Controller) SwapPriority(lane Direction) (previous Direction, hadPriority bool, err error) {
	c.mu.Lock()
	if c.manualOverride {
		c.mu.Unlock()
		c.logger.Warn("手動オーバーライド中のため優先モードを開始できません", "lane", lane.String())
		return 0, false, ErrManualOverride
	}
	if !lane.Valid() {
		c.mu.Unlock()
		c.logger.Error("不正なレーン方向です", "lane", lane.String())
		return 0, false, fmt.Errorf("%w: %s", ErrUnknownDirection, lane)
	}

	previous, hadPriority = c.priorityLane, c.inPriority
	now := c.now()
	var events []Transition

	// 置き換えられた優先レーンは青のまま残さない
	if c.inPriority && c.priorityLane != lane {
		c.logger.Warn("優先レーンを置き換えます", "previous", c.priorityLane.String(), "lane", lane.String())
		events = c.setLocked(events, c.priorityLane, Red, ReasonPriorityReplaced, true, now)
	}

	events = c.setLocked(events, lane, Green, ReasonPriority, true, now)
	for _, d := range ConflictingWith(lane) {
		events = c.setLocked(events, d, Red, ReasonPriorityConflict, true, now)
	}

	c.priorityLane = lane
	c.priorityStart = now
	c.inPriority = true
	c.mu.Unlock()

	c.logger.Info("優先モードを開始しました", "lane", lane.String())
	c.emit(events)
	return previous, hadPriority, nil
}

// DeactivatePriority は優先モードを解除し全方向を赤に戻す
//
// 優先モードでない場合は何もしない。通常サイクルは現在のインデックスから再開する。
func (c *Controller) DeactivatePriority() {
	c.ReleasePriority()
}

// ReleasePriority は DeactivatePriority と同じ処理を行い、解除したレーンを返す
//
// 優先モードでなかった場合は released=false を返す。
func (c *Controller) ReleasePriority() (lane Direction, released bool) {
	c.mu.Lock()
	if !c.inPriority {
		c.mu.Unlock()
		return 0, false
	}

	now := c.now()
	var events []Transition
	for _, d := range Directions() {
		events = c.setLocked(events, d, Red, ReasonPriorityCleared, true, now)
	}
	lane = c.priorityLane
	c.priorityLane = 0
	c.priorityStart = time.Time{}
	c.inPriority = false
	c.cycleStart = now
	c.mu.Unlock()

	c.logger.Info("優先モードを解除しました", "lane", lane.String())
	c.emit(events)
	return lane, true
}

// Update は通常サイクルを進める（制御ループから毎回呼ばれる）
//
// 優先モードにタイムアウトはない。解除は DeactivatePriority の明示的な呼び出しのみ。
func (c *Controller) Update() {
	c.mu.Lock()
	if c.manualOverride || c.inPriority {
		c.mu.Unlock()
		return
	}

	now := c.now()
	current := Direction(c.cycleIndex)
	if now.Sub(c.cycleStart) < c.timing.Green[current] {
		c.mu.Unlock()
		return
	}

	var events []Transition
	events = c.setLocked(events, current, Red, ReasonCycle, false, now)

	c.cycleIndex = (c.cycleIndex + 1) % NumDirections
	next := Direction(c.cycleIndex)
	events = c.setLocked(events, next, Green, ReasonCycle, false, now)
	for _, d := range ConflictingWith(next) {
		events = c.setLocked(events, d, Red, ReasonCycleConflict, false, now)
	}
	c.cycleStart = now
	c.mu.Unlock()

	c.logger.Debug("通常サイクル: 青に切り替えました", "direction", next.String())
	c.emit(events)
}

// SetManualOverride は手動オーバーライドを切り替える
func (c *Controller) SetManualOverride(enabled bool) error {
	if !c.manualOverrideEnabled {
		c.logger.Warn("手動オーバーライドは設定で無効化されています")
		return ErrOverrideDisabled
	}

	c.mu.Lock()
	c.manualOverride = enabled
	c.mu.Unlock()

	c.logger.Info("手動オーバーライドを切り替えました", "enabled", enabled)
	return nil
}

// SetSignalState は手動で信号状態を設定する（手動オーバーライド中のみ）
func (c *Controller) SetSignalState(d Direction, state SignalState) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownDirection, d)
	}
	if state < Red || state > Off {
		return fmt.Errorf("%w: %d", ErrUnknownState, int(state))
	}

	c.mu.Lock()
	if !c.manualOverride {
		c.mu.Unlock()
		c.logger.Warn("手動で信号を設定するには手動オーバーライドが必要です", "direction", d.String())
		return ErrNotInOverride
	}
	if state == Green {
		for _, other := range ConflictingWith(d) {
			if c.states[other] == Green {
				c.mu.Unlock()
				return fmt.Errorf("%w: %s と %s", ErrConflict, d, other)
			}
		}
	}

	events := c.setLocked(nil, d, state, ReasonManual, c.inPriority, c.now())
	c.mu.Unlock()

	c.logger.Info("手動制御で信号を設定しました", "direction", d.String(), "state", state.String())
	c.emit(events)
	return nil
}

// State は指定方向の現在状態を返す（不明な方向は Off）
func (c *Controller) State(d Direction) SignalState {
	if !d.Valid() {
		return Off
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[d]
}

// States は全方向の状態のコピーを返す
func (c *Controller) States() States {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states
}

// InPriorityMode は優先モード中かどうかを返す
func (c *Controller) InPriorityMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inPriority
}

// ManualOverride は手動オーバーライド中かどうかを返す
func (c *Controller) ManualOverride() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manualOverride
}

// Timing はタイミング設定を返す
func (c *Controller) Timing() Timing {
	return c.timing
}

// Snapshot は状態全体の一貫したコピーを返す
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		States:         c.states,
		Mode:           c.modeLocked(),
		InPriority:     c.inPriority,
		ManualOverride: c.manualOverride,
		CycleIndex:     c.cycleIndex,
		CycleStart:     c.cycleStart,
	}
	if c.inPriority {
		lane := c.priorityLane
		snap.PriorityLane = &lane
		snap.PriorityStart = c.priorityStart
	}
	return snap
}

func (c *Controller) modeLocked() Mode {
	switch {
	case c.manualOverride:
		return ModeManual
	case c.inPriority:
		return ModePriority
	default:
		return ModeNormal
	}
}

// setLocked は状態を変更し、変化があれば遷移イベントを追加する（ロック済み前提）
func (c *Controller) setLocked(events []Transition, d Direction, state SignalState, reason string, priority bool, now time.Time) []Transition {
	old := c.states[d]
	if old == state {
		return events
	}
	c.states[d] = state
	return append(events, Transition{
		Direction: d,
		Old:       old,
		New:       state,
		Reason:    reason,
		Priority:  priority,
		Time:      now,
	})
}

// emit は遷移イベントを出力先に送る（ロック外で呼ぶ）
func (c *Controller) emit(events []Transition) {
	if c.sink == nil {
		return
	}
	for _, e := range events {
		c.sink.LogTransition(e)
	}
}
