package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"lifeline/internal/camera"
)

// DefaultHTTPTimeout は推論リクエスト1件あたりのタイムアウト
const DefaultHTTPTimeout = 2 * time.Second

// HTTPDetector はJPEGをPOSTしてJSONで検出結果を受け取るアダプタ
//
// 応答形式:
//
//	{"detections": [{"bbox": [x1, y1, x2, y2], "confidence": 0.91, "class": "ambulance"}]}
type HTTPDetector struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPDetector は新しいHTTPDetectorを作成する
func NewHTTPDetector(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPDetector {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDetector{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type wireDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	Class      string     `json:"class"`
	TrackID    *int64     `json:"track_id,omitempty"`
}

type wireResponse struct {
	Detections []wireDetection `json:"detections"`
}

// Detect はフレームを推論サービスに送信する
func (d *HTTPDetector) Detect(ctx context.Context, frame camera.Frame) ([]Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, bytes.TrimSpace(body))
	}

	var payload wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	detections := make([]Detection, 0, len(payload.Detections))
	for _, w := range payload.Detections {
		detections = append(detections, Detection{
			BBox: BBox{
				X1: int(w.BBox[0]), Y1: int(w.BBox[1]),
				X2: int(w.BBox[2]), Y2: int(w.BBox[3]),
			},
			Confidence: w.Confidence,
			Class:      w.Class,
			TrackID:    w.TrackID,
		})
	}

	d.logger.Debug("推論結果を受信しました", "seq", frame.Seq, "count", len(detections))
	return detections, nil
}
