package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"lifeline/internal/app"
	"lifeline/internal/camera"
	"lifeline/internal/config"
	"lifeline/internal/eventlog"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultUpdateInterval  = time.Second
)

// Backend はHTTP層から操作するシステム
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Status() app.Status
	Signals() app.SignalStatus
	ActivatePriority(lane string) error
	DeactivatePriority()
	SetManualOverride(enabled bool) error
	SetSignalState(direction, state string) error
	LatestDetections() app.LatestDetections
	Statistics(ctx context.Context, days int) (eventlog.Statistics, error)
	RecentLogs(ctx context.Context, limit int) (app.RecentLogs, error)
	Output() *camera.LatestFrame
}

// Option はServerのオプション
type Option func(*Server)

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler は /metrics のハンドラーを設定する
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithUpdateInterval はWebSocketで状態を送る間隔を設定する
func WithUpdateInterval(d time.Duration) Option {
	return func(s *Server) { s.updateInterval = d }
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config  config.ServerConfig
	backend Backend
	logger  *slog.Logger
	metrics http.Handler

	engine         *gin.Engine
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	updateInterval time.Duration

	// ストリーム配信はシャットダウン開始時に打ち切る
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New は新しいServerインスタンスを作成する
func New(cfg config.ServerConfig, backend Backend, opts ...Option) *Server {
	s := &Server{
		config:         cfg,
		backend:        backend,
		logger:         slog.Default(),
		updateInterval: defaultUpdateInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// ダッシュボードは別オリジンから開かれることがある
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), requestLogger(s.logger))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer.BaseContext = func(net.Listener) context.Context { return s.baseCtx }
	s.httpServer.RegisterOnShutdown(s.cancelBase)
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	s.engine.GET("/ws/updates", s.handleWebSocket)

	api := s.engine.Group("/api")
	api.GET("", s.handleAPIInfo)
	api.GET("/status", s.handleStatus)
	api.GET("/signals", s.handleSignals)
	api.POST("/signals/control", s.handleSignalControl)
	api.POST("/priority/activate", s.handleActivatePriority)
	api.POST("/priority/deactivate", s.handleDeactivatePriority)
	api.POST("/override/enable", s.handleOverride(true))
	api.POST("/override/disable", s.handleOverride(false))
	api.GET("/detections/latest", s.handleLatestDetections)
	api.GET("/statistics", s.handleStatistics)
	api.GET("/logs/recent", s.handleRecentLogs)
	api.POST("/system/start", s.handleSystemStart)
	api.POST("/system/stop", s.handleSystemStop)
	api.GET("/video/feed", s.handleVideoFeed)
}

// Start はサーバーを起動し、コンテキストのキャンセルでグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーでサーバーを動かす
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストをログに残すミドルウェア
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTPリクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
