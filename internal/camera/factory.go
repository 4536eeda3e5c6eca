package camera

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// SourceConfig はキャプチャ作成設定
type SourceConfig struct {
	Type      SourceType // 空の場合はSourceから推定する
	Source    string     // デバイスパス、ファイルパス、またはURL
	Settings  Settings
	Discovery Discovery
	Logger    *slog.Logger
}

// CapturerCreator はキャプチャ作成関数の型
type CapturerCreator func(config SourceConfig) (Capturer, error)

// CapturerFactory はソース種別ごとにキャプチャを作成する
type CapturerFactory struct {
	creators map[SourceType]CapturerCreator
}

// NewCapturerFactory はffmpegベースの作成関数を登録したファクトリーを作成する
func NewCapturerFactory() *CapturerFactory {
	factory := &CapturerFactory{
		creators: make(map[SourceType]CapturerCreator),
	}

	factory.Register(SourceTypeDevice, newFFmpegCapturerFromConfig)
	factory.Register(SourceTypeFile, newFFmpegCapturerFromConfig)
	factory.Register(SourceTypeStream, newFFmpegCapturerFromConfig)

	return factory
}

// Register はキャプチャ作成関数を登録する
func (f *CapturerFactory) Register(sourceType SourceType, creator CapturerCreator) {
	f.creators[sourceType] = creator
}

// Create は設定からキャプチャを作成する
func (f *CapturerFactory) Create(config SourceConfig) (Capturer, error) {
	if config.Source == "" {
		return nil, fmt.Errorf("映像ソースが指定されていません")
	}

	if config.Type == "" {
		config.Type, config.Source = DetectSourceType(config.Source)
	}

	creator, exists := f.creators[config.Type]
	if !exists {
		return nil, fmt.Errorf("サポートされていないソースタイプ: %s", config.Type)
	}
	return creator(config)
}

// DetectSourceType はソース文字列から種別を推定する
//
// 数字のみの場合はカメラ番号とみなして /dev/videoN に変換する。
func DetectSourceType(source string) (SourceType, string) {
	source = strings.TrimSpace(source)

	if n, err := strconv.Atoi(source); err == nil && n >= 0 {
		return SourceTypeDevice, fmt.Sprintf("/dev/video%d", n)
	}

	switch {
	case strings.HasPrefix(source, "/dev/video"):
		return SourceTypeDevice, source
	case strings.HasPrefix(source, "rtsp://"),
		strings.HasPrefix(source, "rtmp://"),
		strings.HasPrefix(source, "http://"),
		strings.HasPrefix(source, "https://"):
		return SourceTypeStream, source
	default:
		return SourceTypeFile, source
	}
}

func newFFmpegCapturerFromConfig(config SourceConfig) (Capturer, error) {
	discovery := config.Discovery
	if discovery == nil && config.Type == SourceTypeDevice {
		discovery = NewLinuxDiscovery()
	}
	return NewFFmpegCapturer(config.Type, config.Source, config.Settings, discovery, config.Logger), nil
}
