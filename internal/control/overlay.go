package control

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"lifeline/internal/detect"
	"lifeline/internal/traffic"
)

// DefaultJPEGQuality は注釈付きフレームのJPEG品質
const DefaultJPEGQuality = 80

var (
	colorNormal    = color.RGBA{G: 255, A: 255}
	colorPriority  = color.RGBA{R: 255, A: 255}
	colorManual    = color.RGBA{R: 255, G: 165, A: 255}
	colorHighConf  = color.RGBA{G: 255, A: 255}
	colorLowConf   = color.RGBA{R: 255, G: 255, A: 255}
	colorCenter    = color.RGBA{R: 255, A: 255}
	colorText      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorTextShade = color.RGBA{A: 160}
)

var laneColors = [traffic.NumDirections]color.RGBA{
	traffic.North: {B: 255, A: 255},
	traffic.South: {G: 255, A: 255},
	traffic.East:  {R: 255, A: 255},
	traffic.West:  {G: 255, B: 255, A: 255},
}

// OverlayInfo は1フレームに描画する情報
type OverlayInfo struct {
	Snapshot   traffic.Snapshot
	Detections []detect.Detection
	Time       time.Time
}

// Renderer はJPEGフレームに状態表示を重ねる
type Renderer struct {
	lanes     detect.LaneRegions
	showLanes bool
	quality   int
	face      font.Face
}

// NewRenderer は新しいRendererを作成する
func NewRenderer(lanes detect.LaneRegions, showLanes bool, quality int) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Renderer{
		lanes:     lanes,
		showLanes: showLanes,
		quality:   quality,
		face:      basicfont.Face7x13,
	}
}

// Render はフレームをデコードして注釈を描画し、JPEGに再エンコードする
func (r *Renderer) Render(data []byte, info OverlayInfo) ([]byte, error) {
	src, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}

	bounds := src.Bounds()
	img := image.NewRGBA(bounds)
	draw.Draw(img, bounds, src, bounds.Min, draw.Src)

	if r.showLanes {
		for _, lane := range r.lanes {
			c := laneColors[lane.Direction]
			rect := toRect(lane.Region).Add(bounds.Min)
			strokeRect(img, rect, 2, c)
			r.drawText(img, rect.Min.X+6, rect.Min.Y+16, strings.ToUpper(lane.Direction.String()), c)
		}
	}

	for _, d := range info.Detections {
		c := colorLowConf
		if d.Confidence > 0.7 {
			c = colorHighConf
		}
		rect := toRect(d.BBox).Add(bounds.Min)
		strokeRect(img, rect, 2, c)

		label := fmt.Sprintf("%s: %.2f", d.Class, d.Confidence)
		if d.Lane != "" {
			label += " - " + d.Lane
		}
		r.drawLabel(img, rect.Min.X, rect.Min.Y-4, label, c)

		if d.Center != nil {
			p := image.Pt(d.Center.X, d.Center.Y).Add(bounds.Min)
			fillRect(img, image.Rect(p.X-3, p.Y-3, p.X+4, p.Y+4), colorCenter)
		}
	}

	r.drawLabel(img, bounds.Min.X+10, bounds.Min.Y+20, fmt.Sprintf("Detections: %d", len(info.Detections)), colorNormal)
	text, c := modeText(info.Snapshot)
	r.drawLabel(img, bounds.Min.X+10, bounds.Min.Y+38, text, c)
	r.drawLabel(img, bounds.Min.X+10, bounds.Min.Y+56, statesText(info.Snapshot.States), colorText)
	r.drawLabel(img, bounds.Min.X+10, bounds.Max.Y-8, info.Time.Format("2006-01-02 15:04:05"), colorText)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func modeText(s traffic.Snapshot) (string, color.RGBA) {
	switch s.Mode {
	case traffic.ModeManual:
		return "MANUAL OVERRIDE", colorManual
	case traffic.ModePriority:
		if s.PriorityLane != nil {
			return "PRIORITY MODE: " + strings.ToUpper(s.PriorityLane.String()), colorPriority
		}
		return "PRIORITY MODE", colorPriority
	default:
		return "NORMAL MODE", colorNormal
	}
}

func statesText(states traffic.States) string {
	parts := make([]string, 0, traffic.NumDirections)
	for _, d := range traffic.Directions() {
		parts = append(parts, fmt.Sprintf("%c:%s", strings.ToUpper(d.String())[0], strings.ToUpper(states[d].String())))
	}
	return strings.Join(parts, " ")
}

// drawLabel は背景付きで文字列を描画する
func (r *Renderer) drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	width := font.MeasureString(r.face, text).Ceil()
	metrics := r.face.Metrics()
	bg := image.Rect(x-2, y-metrics.Ascent.Ceil()-2, x+width+2, y+metrics.Descent.Ceil()+2)
	draw.Draw(img, bg.Intersect(img.Bounds()), image.NewUniform(colorTextShade), image.Point{}, draw.Over)
	r.drawText(img, x, y, text, c)
}

func (r *Renderer) drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func toRect(b detect.BBox) image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

func strokeRect(img *image.RGBA, rect image.Rectangle, width int, c color.RGBA) {
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+width), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Max.Y-width, rect.Max.X, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+width, rect.Max.Y), c)
	fillRect(img, image.Rect(rect.Max.X-width, rect.Min.Y, rect.Max.X, rect.Max.Y), c)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	draw.Draw(img, rect.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}
