package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lifeline/internal/app"
	"lifeline/internal/camera"
	"lifeline/internal/control"
	"lifeline/internal/traffic"
)

const (
	defaultStatisticsDays = 7
	defaultRecentLimit    = 50
	wsWriteTimeout        = 5 * time.Second
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageResponse は操作成功時のレスポンス
type MessageResponse struct {
	Message string           `json:"message"`
	Signals app.SignalStatus `json:"signals"`
}

// SignalControlRequest は信号操作のリクエスト
type SignalControlRequest struct {
	Direction string `json:"direction" binding:"required"`
	State     string `json:"state" binding:"required"`
}

// PriorityRequest は優先モード開始のリクエスト
type PriorityRequest struct {
	Lane string `json:"lane" binding:"required"`
}

// handleIndex はダッシュボードを返す
func (s *Server) handleIndex(c *gin.Context) {
	data, err := indexHTML()
	if err != nil {
		s.writeError(c, fmt.Errorf("ダッシュボードの読み込みに失敗: %w", err))
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", data)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"running":   s.backend.Running(),
		"timestamp": time.Now(),
	})
}

// handleAPIInfo はAPIの概要を返す
func (s *Server) handleAPIInfo(c *gin.Context) {
	routes := make([]string, 0)
	for _, r := range s.engine.Routes() {
		routes = append(routes, r.Method+" "+r.Path)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":      "lifeline",
		"endpoints": routes,
	})
}

// handleStatus はシステム状態を返す
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Status())
}

// handleSignals は信号の状態を返す
func (s *Server) handleSignals(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.Signals())
}

// handleSignalControl は手動オーバーライド中に1方向の信号を設定する
func (s *Server) handleSignalControl(c *gin.Context) {
	var req SignalControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.backend.SetSignalState(req.Direction, req.State); err != nil {
		s.writeError(c, err)
		return
	}
	s.writeOK(c, fmt.Sprintf("%s を %s に設定しました", req.Direction, req.State))
}

// handleActivatePriority は優先モードを開始する
func (s *Server) handleActivatePriority(c *gin.Context) {
	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.backend.ActivatePriority(req.Lane); err != nil {
		s.writeError(c, err)
		return
	}
	s.writeOK(c, fmt.Sprintf("%s の優先モードを開始しました", req.Lane))
}

// handleDeactivatePriority は優先モードを解除する
func (s *Server) handleDeactivatePriority(c *gin.Context) {
	s.backend.DeactivatePriority()
	s.writeOK(c, "優先モードを解除しました")
}

// handleOverride は手動オーバーライドを切り替える
func (s *Server) handleOverride(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.backend.SetManualOverride(enabled); err != nil {
			s.writeError(c, err)
			return
		}
		if enabled {
			s.writeOK(c, "手動オーバーライドを有効にしました")
		} else {
			s.writeOK(c, "手動オーバーライドを無効にしました")
		}
	}
}

// handleLatestDetections は直近フレームの検出結果を返す
func (s *Server) handleLatestDetections(c *gin.Context) {
	c.JSON(http.StatusOK, s.backend.LatestDetections())
}

// handleStatistics は集計を返す
func (s *Server) handleStatistics(c *gin.Context) {
	days, err := queryInt(c, "days", defaultStatisticsDays)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	stats, err := s.backend.Statistics(c.Request.Context(), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleRecentLogs は直近の記録を返す
func (s *Server) handleRecentLogs(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultRecentLimit)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	logs, err := s.backend.RecentLogs(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// handleSystemStart はシステムを開始する
func (s *Server) handleSystemStart(c *gin.Context) {
	if err := s.backend.Start(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "システムを開始しました"})
}

// handleSystemStop はシステムを停止する
func (s *Server) handleSystemStop(c *gin.Context) {
	if err := s.backend.Stop(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "システムを停止しました"})
}

// handleVideoFeed は注釈付きフレームをMJPEGで配信する
func (s *Server) handleVideoFeed(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	output := s.backend.Output()
	ctx := c.Request.Context()
	writer := c.Writer

	var lastSeq uint64
	for {
		frame, err := output.WaitNewer(ctx, lastSeq)
		if err != nil {
			// クライアントが切断された
			return
		}
		lastSeq = frame.Seq

		if _, err := fmt.Fprintf(writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
			return
		}
		if _, err := writer.Write(frame.Data); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}
		writer.Flush()
	}
}

// handleWebSocket は状態を一定間隔でプッシュする
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocketのアップグレードに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	// 受信側は切断検知のためだけに読む
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(s.backend.Status()); err != nil {
			s.logger.Debug("WebSocketへの送信を終了します", "error", err)
			return
		}

		select {
		case <-closed:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) writeOK(c *gin.Context, message string) {
	c.JSON(http.StatusOK, MessageResponse{
		Message: message,
		Signals: s.backend.Signals(),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

// writeError はエラーの種類に応じたステータスで応答する
func (s *Server) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("リクエストの処理に失敗しました", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, traffic.ErrUnknownDirection),
		errors.Is(err, traffic.ErrUnknownState),
		errors.Is(err, app.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, traffic.ErrManualOverride),
		errors.Is(err, traffic.ErrOverrideDisabled),
		errors.Is(err, traffic.ErrNotInOverride),
		errors.Is(err, traffic.ErrConflict),
		errors.Is(err, app.ErrAlreadyRunning),
		errors.Is(err, camera.ErrStillStopping),
		errors.Is(err, control.ErrStillStopping),
		errors.Is(err, app.ErrNotRunning):
		return http.StatusConflict, "conflict"
	case errors.Is(err, camera.ErrOpen),
		errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "source_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s は整数で指定してください: %q", key, raw)
	}
	return v, nil
}
