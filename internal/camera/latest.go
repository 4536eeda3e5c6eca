package camera

import (
	"context"
	"sync"
)

// LatestFrame は最新フレームを1つだけ保持するスロット
//
// 書き込み側はブロックせずに上書きする。読み取り側は常にコピーを受け取る。
// 更新のたびに通知チャンネルを閉じて待機中の読み取り側を起こす。
type LatestFrame struct {
	mu     sync.Mutex
	frame  Frame
	ok     bool
	notify chan struct{}
}

// NewLatestFrame は空のスロットを作成する
func NewLatestFrame() *LatestFrame {
	return &LatestFrame{notify: make(chan struct{})}
}

// Store はフレームのコピーを保存する
func (l *LatestFrame) Store(f Frame) {
	f = f.Clone()

	l.mu.Lock()
	l.frame = f
	l.ok = true
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

// Load は最新フレームのコピーを返す
func (l *LatestFrame) Load() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.ok {
		return Frame{}, false
	}
	return l.frame.Clone(), true
}

// Changed は次の更新時に閉じられるチャンネルを返す
func (l *LatestFrame) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notify
}

// WaitNewer はafterSeqより新しいフレームが保存されるまで待つ
func (l *LatestFrame) WaitNewer(ctx context.Context, afterSeq uint64) (Frame, error) {
	for {
		l.mu.Lock()
		if l.ok && l.frame.Seq > afterSeq {
			f := l.frame.Clone()
			l.mu.Unlock()
			return f, nil
		}
		ch := l.notify
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Reset はスロットを空にする
func (l *LatestFrame) Reset() {
	l.mu.Lock()
	l.frame = Frame{}
	l.ok = false
	l.mu.Unlock()
}
