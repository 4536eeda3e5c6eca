package detect

import (
	"context"
	"slices"
	"sync/atomic"

	"lifeline/internal/camera"
)

// FilterConfig は検出結果の後処理設定
type FilterConfig struct {
	ConfidenceThreshold float64  // これ未満の検出は捨てる
	Classes             []string // 空なら全クラスを受け付ける
	Lanes               LaneRegions
}

// FilteredDetector は下位の検出器の結果を正規化する
//
// 信頼度としきい値、クラスで絞り込み、中心点と車線、未設定のトラックIDを付与する。
type FilteredDetector struct {
	inner  Detector
	config FilterConfig
	nextID atomic.Int64
}

// NewFilteredDetector は新しいFilteredDetectorを作成する
func NewFilteredDetector(inner Detector, config FilterConfig) *FilteredDetector {
	return &FilteredDetector{inner: inner, config: config}
}

// Detect は下位の検出器を呼び、結果を絞り込んで注釈を付ける
func (f *FilteredDetector) Detect(ctx context.Context, frame camera.Frame) ([]Detection, error) {
	raw, err := f.inner.Detect(ctx, frame)
	if err != nil {
		return nil, err
	}

	out := make([]Detection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence < f.config.ConfidenceThreshold {
			continue
		}
		if len(f.config.Classes) > 0 && !slices.Contains(f.config.Classes, d.Class) {
			continue
		}

		center := d.BBox.Center()
		if d.Center == nil {
			d.Center = &center
		}
		if d.Lane == "" {
			d.Lane = f.config.Lanes.Identify(*d.Center)
		}
		if d.TrackID == nil {
			id := f.nextID.Add(1) - 1
			d.TrackID = &id
		}
		out = append(out, d)
	}
	return out, nil
}
