package camera

import "sync/atomic"

// FrameQueue はフレームの有界FIFO
//
// 満杯時のTryPushは新しいフレームを破棄してドロップ数を増やす。生産者はブロックしない。
type FrameQueue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewFrameQueue は容量capacityのキューを作成する（1未満は1に補正）
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{ch: make(chan Frame, capacity)}
}

// TryPush はフレームを追加する。満杯の場合はfalseを返す
func (q *FrameQueue) TryPush(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// TryPop は先頭のフレームを取り出す。空の場合はfalseを返す
func (q *FrameQueue) TryPop() (Frame, bool) {
	select {
	case f := <-q.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Len は現在のキュー深さ
func (q *FrameQueue) Len() int { return len(q.ch) }

// Cap はキュー容量
func (q *FrameQueue) Cap() int { return cap(q.ch) }

// Dropped は破棄されたフレーム数
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }

// Drain はキューを空にする
func (q *FrameQueue) Drain() {
	for {
		if _, ok := q.TryPop(); !ok {
			return
		}
	}
}
