package traffic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction は交差点への進入方向を表す
type Direction int

// 方向の定数定義（この順序がラウンドロビンの順序になる）
const (
	North Direction = iota
	South
	East
	West

	// NumDirections は方向の総数
	NumDirections = 4
)

var directionNames = [NumDirections]string{"north", "south", "east", "west"}

// Directions は全方向をサイクル順で返す
func Directions() []Direction {
	return []Direction{North, South, East, West}
}

// Valid は既知の方向かどうかを返す
func (d Direction) Valid() bool {
	return d >= 0 && d < NumDirections
}

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return directionNames[d]
}

// MarshalText は方向を小文字の名前に変換する
func (d Direction) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, int(d))
	}
	return []byte(directionNames[d]), nil
}

// UnmarshalText は名前から方向を復元する
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDirection は方向名を解析する（大文字小文字は区別しない）
func ParseDirection(name string) (Direction, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range directionNames {
		if n == name {
			return Direction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, name)
}

// SignalState は信号灯の状態を表す
type SignalState int

// 信号状態の定数定義
const (
	Red SignalState = iota
	Yellow
	Green
	Off
)

var stateNames = [...]string{"red", "yellow", "green", "off"}

func (s SignalState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText は状態を小文字の名前に変換する
func (s SignalState) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText は名前から状態を復元する
func (s *SignalState) UnmarshalText(text []byte) error {
	parsed, err := ParseSignalState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSignalState は状態名を解析する
func ParseSignalState(name string) (SignalState, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return SignalState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// Mode はコントローラーの最上位モード
type Mode string

// モードの定数定義
const (
	ModeNormal   Mode = "normal_cycle"
	ModePriority Mode = "priority_active"
	ModeManual   Mode = "manual_override"
)

// conflicts は同時に青にできない方向の組み合わせ（対向方向のみ）
var conflicts = [NumDirections][NumDirections]bool{
	North: {South: true},
	South: {North: true},
	East:  {West: true},
	West:  {East: true},
}

// Conflicts は2方向が競合するかどうかを返す
func Conflicts(a, b Direction) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return conflicts[a][b]
}

// ConflictingWith は指定方向と競合する方向一覧を返す
func ConflictingWith(d Direction) []Direction {
	var result []Direction
	for _, other := range Directions() {
		if Conflicts(d, other) {
			result = append(result, other)
		}
	}
	return result
}

// States は方向ごとの信号状態テーブル
type States [NumDirections]SignalState

// Map は方向名をキーにしたマップに変換する（JSON出力用）
func (s States) Map() map[string]string {
	m := make(map[string]string, NumDirections)
	for _, d := range Directions() {
		m[d.String()] = s[d].String()
	}
	return m
}

// HasConflict は競合する方向が同時に青になっていないか検査する
func (s States) HasConflict() bool {
	for _, a := range Directions() {
		if s[a] != Green {
			continue
		}
		for _, b := range ConflictingWith(a) {
			if s[b] == Green {
				return true
			}
		}
	}
	return false
}

// Transition は信号状態の変化を表すイベント
type Transition struct {
	Direction Direction
	Old       SignalState
	New       SignalState
	Reason    string
	Priority  bool
	Time      time.Time
}

// 遷移理由
const (
	ReasonPriority         = "priority_activated"
	ReasonPriorityConflict = "priority_conflict"
	ReasonPriorityReplaced = "priority_replaced"
	ReasonPriorityCleared  = "priority_deactivated"
	ReasonCycle            = "normal_cycle"
	ReasonCycleConflict    = "normal_cycle_conflict"
	ReasonManual           = "manual_control"
)

// Snapshot はコントローラー状態の一貫したコピー
type Snapshot struct {
	States         States
	Mode           Mode
	PriorityLane   *Direction
	PriorityStart  time.Time
	InPriority     bool
	ManualOverride bool
	CycleIndex     int
	CycleStart     time.Time
}

// エラー定義
var (
	ErrUnknownDirection = errors.New("不明な方向")
	ErrUnknownState     = errors.New("不明な信号状態")
	ErrManualOverride   = errors.New("手動オーバーライド中のため操作できません")
	ErrOverrideDisabled = errors.New("手動オーバーライドは設定で無効化されています")
	ErrNotInOverride    = errors.New("手動オーバーライドが有効ではありません")
	ErrConflict         = errors.New("競合する方向が同時に青になります")
)
