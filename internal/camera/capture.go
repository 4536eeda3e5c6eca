package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// openTimeout は最初のフレームを待つ最大時間
const openTimeout = 10 * time.Second

// maxFrameSize は1フレームの上限サイズ（壊れたストリーム対策）
const maxFrameSize = 16 * 1024 * 1024

// FFmpegCapturer はffmpegのサブプロセスからMJPEGフレームを読み取る
type FFmpegCapturer struct {
	sourceType SourceType
	source     string
	settings   Settings
	discovery  Discovery
	logger     *slog.Logger
	ffmpegPath string

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	reader  *bufio.Reader
	pending []byte // Open時に読み取った最初のフレーム
	baseCtx context.Context
}

// NewFFmpegCapturer は新しいFFmpegCapturerを作成する
func NewFFmpegCapturer(sourceType SourceType, source string, settings Settings, discovery Discovery, logger *slog.Logger) *FFmpegCapturer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegCapturer{
		sourceType: sourceType,
		source:     source,
		settings:   settings,
		discovery:  discovery,
		logger:     logger,
		ffmpegPath: "ffmpeg",
	}
}

// Open はソースの存在を確認し、ffmpegを起動して最初のフレームを読み取る
func (c *FFmpegCapturer) Open(ctx context.Context) error {
	switch c.sourceType {
	case SourceTypeDevice:
		if c.discovery != nil && !c.discovery.IsDeviceAvailable(ctx, c.source) {
			return fmt.Errorf("%w: %s", ErrDeviceUnavailable, c.source)
		}
	case SourceTypeFile:
		if _, err := os.Stat(c.source); err != nil {
			return fmt.Errorf("動画ファイルを確認できません: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseCtx = ctx
	if err := c.startLocked(ctx); err != nil {
		return err
	}

	// テストキャプチャとして最初のフレームを待つ
	type result struct {
		data []byte
		err  error
	}
	reader := c.reader
	resCh := make(chan result, 1)
	go func() {
		data, err := readJPEG(reader)
		resCh <- result{data, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			c.closeLocked()
			return fmt.Errorf("テストキャプチャに失敗: %w", res.err)
		}
		c.pending = res.data
	case <-time.After(openTimeout):
		c.closeLocked()
		return fmt.Errorf("テストキャプチャがタイムアウトしました: %s", c.source)
	case <-ctx.Done():
		c.closeLocked()
		return ctx.Err()
	}

	c.logger.Info("映像ソースを開きました",
		"source", c.source, "type", string(c.sourceType),
		"width", c.settings.Width, "height", c.settings.Height, "fps", c.settings.FPS)
	return nil
}

// ReadFrame は次のJPEGフレームを読み取る
//
// ライブソースでプロセスが終了していた場合は再起動してから読み取る。
func (c *FFmpegCapturer) ReadFrame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.pending != nil {
		data := c.pending
		c.pending = nil
		c.mu.Unlock()
		return data, nil
	}
	if c.reader == nil {
		if !c.Live() || c.baseCtx == nil {
			c.mu.Unlock()
			if c.baseCtx == nil {
				return nil, ErrNotOpen
			}
			return nil, io.EOF
		}
		if err := c.startLocked(c.baseCtx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	reader := c.reader
	c.mu.Unlock()

	data, err := readJPEG(reader)
	if err != nil {
		c.mu.Lock()
		if c.reader == reader {
			c.closeLocked()
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// Rewind はプロセスを再起動してファイルを先頭から読み直す
func (c *FFmpegCapturer) Rewind(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	if c.baseCtx == nil {
		c.baseCtx = ctx
	}
	return c.startLocked(c.baseCtx)
}

// Close はffmpegプロセスを停止する
func (c *FFmpegCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.baseCtx = nil
	return nil
}

// Live はライブソースかどうかを返す
func (c *FFmpegCapturer) Live() bool {
	return c.sourceType.Live()
}

// startLocked はffmpegプロセスを起動する（ロック済み前提）
func (c *FFmpegCapturer) startLocked(ctx context.Context) error {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, c.ffmpegPath, c.buildArgs()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}

	// エラー出力は読み捨てる
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	c.cmd = cmd
	c.cancel = cancel
	c.reader = bufio.NewReaderSize(stdout, 1024*1024)
	return nil
}

// closeLocked はffmpegプロセスを停止する（ロック済み前提）
func (c *FFmpegCapturer) closeLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.cmd != nil {
		_ = c.cmd.Wait() // キャンセル時のエラーは無視
	}
	c.cmd = nil
	c.cancel = nil
	c.reader = nil
	c.pending = nil
}

// buildArgs はソース種別に応じたffmpegの引数を組み立てる
func (c *FFmpegCapturer) buildArgs() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}

	switch c.sourceType {
	case SourceTypeDevice:
		args = append(args, "-f", "v4l2")
		if c.settings.Width > 0 && c.settings.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.settings.Width, c.settings.Height))
		}
		if c.settings.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(c.settings.FPS))
		}
	case SourceTypeFile:
		// 実時間で読み込む
		args = append(args, "-re")
	case SourceTypeStream:
		if strings.HasPrefix(c.source, "rtsp://") {
			args = append(args, "-rtsp_transport", "tcp")
		}
	}

	args = append(args, "-i", c.source)

	if c.sourceType != SourceTypeDevice && c.settings.Width > 0 && c.settings.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", c.settings.Width, c.settings.Height))
	}
	if c.settings.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(c.settings.FPS))
	}

	return append(args,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// readJPEG はストリームからSOI(FF D8)〜EOI(FF D9)までの1フレームを切り出す
func readJPEG(r *bufio.Reader) ([]byte, error) {
	if r == nil {
		return nil, ErrNotOpen
	}

	// 開始マーカーを探す
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if prev == 0xFF && b == 0xD8 {
			break
		}
		prev = b
	}

	frame := make([]byte, 2, 64*1024)
	frame[0], frame[1] = 0xFF, 0xD8

	// 終了マーカーまで読み取る
	prev = 0
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}
		if len(frame) > maxFrameSize {
			return nil, fmt.Errorf("フレームサイズが上限を超えました: %d bytes", len(frame))
		}
		prev = b
	}
}
