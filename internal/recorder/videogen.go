package recorder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"lifeline/internal/camera"
)

// Encoder はフレーム列を動画ファイルに書き出す
type Encoder interface {
	Append(ctx context.Context, videoPath string, frames []camera.Frame) error
}

// FFmpegEncoder はffmpegでMP4を作成・延長する
type FFmpegEncoder struct {
	ffmpegPath string
	tempDir    string
	frameRate  int
	quality    int
}

// NewFFmpegEncoder は新しいFFmpegEncoderを作成する
func NewFFmpegEncoder(tempDir string, frameRate, quality int) *FFmpegEncoder {
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "lifeline-recorder")
	}
	if frameRate <= 0 {
		frameRate = 10
	}
	return &FFmpegEncoder{
		ffmpegPath: "ffmpeg",
		tempDir:    tempDir,
		frameRate:  frameRate,
		quality:    quality,
	}
}

// Append はフレームを動画の末尾に追加する（動画がなければ新規作成）
func (e *FFmpegEncoder) Append(ctx context.Context, videoPath string, frames []camera.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	if err := os.MkdirAll(e.tempDir, 0o755); err != nil {
		return fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}
	sessionDir, err := os.MkdirTemp(e.tempDir, "batch_")
	if err != nil {
		return fmt.Errorf("一時ディレクトリの作成に失敗: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(sessionDir) // 後始末のエラーは無視
	}()

	imageFiles, err := saveFrames(sessionDir, frames)
	if err != nil {
		return err
	}
	if len(imageFiles) == 0 {
		return nil
	}

	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		return e.encode(ctx, videoPath, sessionDir, imageFiles)
	}

	segment := filepath.Join(sessionDir, "segment.mp4")
	if err := e.encode(ctx, segment, sessionDir, imageFiles); err != nil {
		return fmt.Errorf("追加分の動画作成に失敗: %w", err)
	}
	return e.concat(ctx, videoPath, segment, sessionDir)
}

func saveFrames(dir string, frames []camera.Frame) ([]string, error) {
	files := make([]string, 0, len(frames))
	for i, f := range frames {
		if len(f.Data) == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i))
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("フレーム画像の保存に失敗 (%s): %w", path, err)
		}
		files = append(files, path)
	}
	return files, nil
}

func (e *FFmpegEncoder) encode(ctx context.Context, out, workDir string, imageFiles []string) error {
	listFile := filepath.Join(workDir, "images.txt")
	if err := os.WriteFile(listFile, []byte(imageList(imageFiles, e.frameRate)), 0o644); err != nil {
		return fmt.Errorf("画像リストの作成に失敗: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-r", strconv.Itoa(e.frameRate),
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", qualityToCRF(e.quality),
		"-pix_fmt", "yuv420p",
		"-y", out,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("動画の作成に失敗: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (e *FFmpegEncoder) concat(ctx context.Context, videoPath, segment, workDir string) error {
	listFile := filepath.Join(workDir, "concat.txt")
	content := fmt.Sprintf("file '%s'\nfile '%s'\n", videoPath, segment)
	if err := os.WriteFile(listFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("結合リストの作成に失敗: %w", err)
	}

	joined := filepath.Join(workDir, "joined.mp4")
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listFile,
		"-c", "copy",
		"-y", joined,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("動画の結合に失敗: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	if err := os.Rename(joined, videoPath); err != nil {
		return fmt.Errorf("動画ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

// imageList はffmpeg concat demuxer用のリストを作る
func imageList(files []string, frameRate int) string {
	duration := strconv.FormatFloat(1/float64(frameRate), 'f', 3, 64)

	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\nduration %s\n", f, duration)
	}
	// 最後のフレームは表示時間を持たない
	fmt.Fprintf(&b, "file '%s'\n", files[len(files)-1])
	return b.String()
}

// qualityToCRF は品質(1-5)をCRFに変換する。1→28、5→18
func qualityToCRF(quality int) string {
	crf := 28.0 - float64(quality-1)*2.5
	crf = min(max(crf, 18), 28)
	return strconv.FormatFloat(crf, 'f', 1, 64)
}
