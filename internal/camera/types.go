package camera

import (
	"context"
	"errors"
	"time"
)

// Frame はキャプチャされた1フレーム
//
// キャプチャ後は不変として扱い、消費者へはコピーで渡す。
type Frame struct {
	Seq       uint64    // キャプチャ順の連番（1始まり）
	Timestamp time.Time // キャプチャ時刻
	Data      []byte    // JPEG画像データ
}

// Clone はデータを複製したフレームを返す
func (f Frame) Clone() Frame {
	if f.Data != nil {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		f.Data = data
	}
	return f
}

// Settings はキャプチャ設定を表す
type Settings struct {
	Width      int // 画像幅
	Height     int // 画像高さ
	FPS        int // フレームレート
	BufferSize int // フレームキューの容量
}

// Stats は取得統計のスナップショット
type Stats struct {
	FrameCount    uint64  `json:"frame_count"`
	FPS           float64 `json:"actual_fps"`
	Dropped       uint64  `json:"dropped_frames"`
	QueueDepth    int     `json:"queue_size"`
	QueueCapacity int     `json:"queue_capacity"`
	Running       bool    `json:"is_running"`
	Paused        bool    `json:"is_paused"`
}

// SourceType は映像ソースの種類
type SourceType string

const (
	// SourceTypeDevice はV4L2デバイスを表す
	SourceTypeDevice SourceType = "device"
	// SourceTypeFile は動画ファイルを表す（終端で巻き戻す）
	SourceTypeFile SourceType = "file"
	// SourceTypeStream はRTSP/HTTPストリームを表す
	SourceTypeStream SourceType = "stream"
)

// Live は終端を持たないライブソースかどうかを返す
func (t SourceType) Live() bool {
	return t != SourceTypeFile
}

// Capturer はデバイスやストリームからの同期的なフレーム読み取りを抽象化する
type Capturer interface {
	// Open はソースを開く
	Open(ctx context.Context) error

	// ReadFrame は次のJPEGフレームを読み取る（ブロックする）
	// ファイル終端では io.EOF を返す
	ReadFrame(ctx context.Context) ([]byte, error)

	// Rewind はファイルソースを先頭に戻す
	Rewind(ctx context.Context) error

	// Close はソースを解放する
	Close() error

	// Live はライブソースかどうかを返す
	Live() bool
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   `json:"device"`
	Name    string   `json:"name"`
	Driver  string   `json:"driver"`
	Formats []string `json:"formats"`
}

// エラー定義
var (
	ErrOpen              = errors.New("映像ソースを開けません")
	ErrDeviceUnavailable = errors.New("デバイスが利用できません")
	ErrNotOpen           = errors.New("映像ソースが開かれていません")
	ErrStillStopping     = errors.New("前回のキャプチャがまだ終了していません")
)
