// Package detect は緊急車両の検出結果と検出器アダプタを扱う
//
// 推論そのものは外部サービスに任せ、このパッケージは結果の正規化、
// 車線の割り当て、優先車線の選択を担当する。
package detect

import (
	"context"
	"errors"

	"lifeline/internal/camera"
	"lifeline/internal/traffic"
)

// LaneUnknown はどの車線領域にも含まれない検出の車線名
const LaneUnknown = "unknown"

var (
	// ErrDetectorUnavailable は推論サービスに到達できないことを示す
	ErrDetectorUnavailable = errors.New("検出サービスに接続できません")
	// ErrInvalidResponse は推論サービスの応答を解釈できないことを示す
	ErrInvalidResponse = errors.New("検出サービスの応答が不正です")
)

// BBox は画素座標の矩形（x1, y1 が左上、x2, y2 が右下）
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Center は矩形の中心
func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Contains は点が矩形内（境界を含む）にあるかを返す
func (b BBox) Contains(p Point) bool {
	return b.X1 <= p.X && p.X <= b.X2 && b.Y1 <= p.Y && p.Y <= b.Y2
}

// Point は画素座標
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Detection は1件の検出結果
type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
	Lane       string  `json:"lane,omitempty"`
	Center     *Point  `json:"center,omitempty"`
	TrackID    *int64  `json:"track_id,omitempty"`
}

// Direction は割り当て済みの車線を方向として返す
//
// 車線が未割り当てまたは unknown の場合は false を返す。
func (d Detection) Direction() (traffic.Direction, bool) {
	if d.Lane == "" || d.Lane == LaneUnknown {
		return 0, false
	}
	dir, err := traffic.ParseDirection(d.Lane)
	if err != nil {
		return 0, false
	}
	return dir, true
}

// Detector はフレームから検出結果を得る
//
// 返却順序は保証しない。
type Detector interface {
	Detect(ctx context.Context, frame camera.Frame) ([]Detection, error)
}

// DetectorFunc は関数をDetectorとして扱うアダプタ
type DetectorFunc func(ctx context.Context, frame camera.Frame) ([]Detection, error)

// Detect はf(ctx, frame)を呼ぶ
func (f DetectorFunc) Detect(ctx context.Context, frame camera.Frame) ([]Detection, error) {
	return f(ctx, frame)
}

// NoopDetector は常に検出なしを返す（検出器未設定時に使用）
type NoopDetector struct{}

// Detect は空の結果を返す
func (NoopDetector) Detect(context.Context, camera.Frame) ([]Detection, error) {
	return nil, nil
}

// SelectPriorityLane は最も信頼度の高い検出の車線を返す
//
// 同率の場合は先に現れた検出を採用する。その検出の車線が不明なら優先は発動しない。
func SelectPriorityLane(detections []Detection) (traffic.Direction, bool) {
	if len(detections) == 0 {
		return 0, false
	}

	best := 0
	for i := 1; i < len(detections); i++ {
		if detections[i].Confidence > detections[best].Confidence {
			best = i
		}
	}
	return detections[best].Direction()
}
