package detect

import (
	"fmt"

	"lifeline/internal/traffic"
)

// LaneRegion は1車線の検出領域
type LaneRegion struct {
	Direction traffic.Direction
	Region    BBox
}

// LaneRegions は車線領域の一覧（先に登録した領域を優先する）
type LaneRegions []LaneRegion

// NewLaneRegions は方向名→[x1, y1, x2, y2] の設定から車線領域を作る
//
// 領域は方向の巡回順に並べ、重なりがある場合の判定順を固定する。
func NewLaneRegions(raw map[string][4]int) (LaneRegions, error) {
	byDir := make(map[traffic.Direction]BBox, len(raw))
	for name, r := range raw {
		dir, err := traffic.ParseDirection(name)
		if err != nil {
			return nil, fmt.Errorf("車線領域 %q: %w", name, err)
		}
		box := BBox{X1: r[0], Y1: r[1], X2: r[2], Y2: r[3]}
		if box.X2 < box.X1 || box.Y2 < box.Y1 {
			return nil, fmt.Errorf("車線領域 %q の座標が不正です: %v", name, r)
		}
		byDir[dir] = box
	}

	regions := make(LaneRegions, 0, len(byDir))
	for _, dir := range traffic.Directions() {
		if box, ok := byDir[dir]; ok {
			regions = append(regions, LaneRegion{Direction: dir, Region: box})
		}
	}
	return regions, nil
}

// Identify は中心点を含む車線名を返す。どこにも含まれなければ unknown
func (l LaneRegions) Identify(p Point) string {
	for _, r := range l {
		if r.Region.Contains(p) {
			return r.Direction.String()
		}
	}
	return LaneUnknown
}
