package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCapturer は決められた数のフレームを返すテスト用キャプチャ
type fakeCapturer struct {
	mu       sync.Mutex
	live     bool
	openErr  error
	limit    int // 0なら無制限
	read     int
	delay    time.Duration
	rewinds  atomic.Int32
	closed   atomic.Bool
	failNext atomic.Int32
	stalled  atomic.Bool // trueの間は読み取りが失敗し続ける
}

func (f *fakeCapturer) Open(ctx context.Context) error { return f.openErr }

func (f *fakeCapturer) ReadFrame(ctx context.Context) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.stalled.Load() {
		return nil, errors.New("映像が途絶えました")
	}
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return nil, errors.New("一時的な読み取り失敗")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && f.read >= f.limit {
		return nil, io.EOF
	}
	f.read++
	return []byte{0xFF, 0xD8, byte(f.read), 0xFF, 0xD9}, nil
}

func (f *fakeCapturer) Rewind(ctx context.Context) error {
	f.mu.Lock()
	f.read = 0
	f.mu.Unlock()
	f.rewinds.Add(1)
	return nil
}

func (f *fakeCapturer) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeCapturer) Live() bool { return f.live }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSource(c Capturer, bufferSize int) *FrameSource {
	return NewFrameSource(c, Settings{BufferSize: bufferSize}, WithSourceLogger(testLogger()))
}

func TestFrameSource_StartFailureWrapsErrOpen(t *testing.T) {
	src := newTestSource(&fakeCapturer{openErr: errors.New("no device")}, 4)

	err := src.Start(context.Background())
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, src.Stats().Running)
}

func TestFrameSource_CapturesAndDrops(t *testing.T) {
	fc := &fakeCapturer{live: true, limit: 0, delay: time.Millisecond}
	src := newTestSource(fc, 2)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	// 消費しなければキューは満杯になり、以降のフレームは破棄される
	require.Eventually(t, func() bool {
		return src.Stats().Dropped > 0
	}, 2*time.Second, 5*time.Millisecond)

	stats := src.Stats()
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, 2, stats.QueueCapacity)

	// キューには最初の2フレームが順に残る
	f1, ok := src.TryDequeue()
	require.True(t, ok)
	f2, ok := src.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f1.Seq)
	assert.Equal(t, uint64(2), f2.Seq)

	// 最新フレームはキューとは無関係に新しい
	cur, ok := src.CurrentFrame()
	require.True(t, ok)
	assert.Greater(t, cur.Seq, f2.Seq)
}

func TestFrameSource_FileRewindsAtEnd(t *testing.T) {
	fc := &fakeCapturer{limit: 3}
	src := newTestSource(fc, 16)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	require.Eventually(t, func() bool {
		return fc.rewinds.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, src.Stats().FrameCount, uint64(6))
}

func TestFrameSource_LiveRetriesWithoutRewind(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	fc.failNext.Store(3)
	src := newTestSource(fc, 4)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, ok := src.CurrentFrame()
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), fc.rewinds.Load())
}

func TestFrameSource_PauseResume(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	src := newTestSource(fc, 1000)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	require.Eventually(t, func() bool { return src.Stats().FrameCount > 0 }, time.Second, 5*time.Millisecond)

	src.Pause()
	assert.True(t, src.Stats().Paused)
	time.Sleep(50 * time.Millisecond) // 読み取り中のフレームを待つ
	paused := src.Stats().FrameCount
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, paused, src.Stats().FrameCount)

	src.Resume()
	require.Eventually(t, func() bool {
		return src.Stats().FrameCount > paused
	}, time.Second, 5*time.Millisecond)
}

func TestFrameSource_StopReleasesAndIsIdempotent(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	src := newTestSource(fc, 4)

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Stop(context.Background()))
	require.NoError(t, src.Stop(context.Background()))

	assert.True(t, fc.closed.Load())
	assert.False(t, src.Stats().Running)
}

// blockingCapturer はコンテキストを無視して読み取りで止まり続ける
type blockingCapturer struct {
	fakeCapturer
	release chan struct{}
}

func (b *blockingCapturer) ReadFrame(ctx context.Context) ([]byte, error) {
	<-b.release
	return nil, io.EOF
}

func TestFrameSource_StopTimesOut(t *testing.T) {
	bc := &blockingCapturer{fakeCapturer: fakeCapturer{live: true}, release: make(chan struct{})}
	defer close(bc.release)

	src := NewFrameSource(bc, Settings{BufferSize: 1},
		WithSourceLogger(testLogger()),
		WithStopTimeout(50*time.Millisecond))

	require.NoError(t, src.Start(context.Background()))

	start := time.Now()
	require.NoError(t, src.Stop(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, bc.closed.Load())
}

func TestFrameSource_StartIgnoresCallerCancel(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	src := newTestSource(fc, 4)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, src.Start(ctx))
	cancel()
	defer src.Stop(context.Background())

	before := src.Stats().FrameCount
	require.Eventually(t, func() bool {
		return src.Stats().FrameCount > before+5
	}, time.Second, 5*time.Millisecond)
}

func TestFrameSource_RestartDiscardsOldFrames(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	src := newTestSource(fc, 3)

	require.NoError(t, src.Start(context.Background()))
	require.Eventually(t, func() bool {
		return src.Stats().QueueDepth == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, src.Stop(context.Background()))

	assert.Zero(t, src.Stats().QueueDepth)
	_, ok := src.CurrentFrame()
	assert.False(t, ok)

	// 再開後に新しいフレームが来なければ何も取り出せない
	fc.stalled.Store(true)
	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	_, ok = src.TryDequeue()
	assert.False(t, ok, "停止前のフレームが残っています")
	_, ok = src.CurrentFrame()
	assert.False(t, ok)
}

func TestFrameSource_FPSDecaysWhenStalled(t *testing.T) {
	fc := &fakeCapturer{live: true, delay: time.Millisecond}
	src := newTestSource(fc, 4)

	require.NoError(t, src.Start(context.Background()))
	defer src.Stop(context.Background())

	require.Eventually(t, func() bool {
		return src.Stats().FPS > 0
	}, 3*time.Second, 10*time.Millisecond)

	fc.stalled.Store(true)
	require.Eventually(t, func() bool {
		return src.Stats().FPS == 0
	}, 4*time.Second, 20*time.Millisecond)
	assert.True(t, src.Stats().Running)
}

func TestFrameSource_StartRefusedWhileOldCaptureAlive(t *testing.T) {
	bc := &blockingCapturer{fakeCapturer: fakeCapturer{live: true}, release: make(chan struct{})}

	src := NewFrameSource(bc, Settings{BufferSize: 1},
		WithSourceLogger(testLogger()),
		WithStopTimeout(20*time.Millisecond))

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Stop(context.Background()))

	assert.ErrorIs(t, src.Start(context.Background()), ErrStillStopping)
	assert.False(t, src.Stats().Running)

	close(bc.release)
	require.Eventually(t, func() bool {
		return src.Start(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, src.Stop(context.Background()))
}
