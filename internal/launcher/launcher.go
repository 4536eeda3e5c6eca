// Package launcher は設定の読み込みからシステムとHTTPサーバーの起動・停止までを行う
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lifeline/internal/app"
	"lifeline/internal/config"
	"lifeline/internal/server"
)

// closeTimeout は終了時にシステムの停止を待つ最大時間
const closeTimeout = 15 * time.Second

// Options はコマンドラインからの上書き
type Options struct {
	ConfigPath string    // 設定ファイル（空ならデフォルトと環境変数のみ）
	Source     string    // 映像ソース
	Host       string    // APIサーバーのホスト
	Port       int       // APIサーバーのポート
	NoAPI      bool      // APIサーバーを起動しない
	LogOutput  io.Writer // ログの出力先（nilなら標準エラー出力）

	// AppOptions はシステム構築時に追加するオプション（テスト用）
	AppOptions []app.Option
}

// Load は設定を読み込み、コマンドラインの指定で上書きする
func Load(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	if opts.Source != "" {
		cfg.Camera.Source = opts.Source
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.NoAPI {
		cfg.Server.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// Run はSIGINT/SIGTERMまたはctxのキャンセルまでシステムを動かす
//
// APIサーバーが有効な場合、映像ソースを開けなくてもサーバーは起動し、APIから再開できる。
func Run(ctx context.Context, opts Options) error {
	cfg, err := Load(opts)
	if err != nil {
		return err
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := cfg.Logging.NewLogger(out)

	sys, err := app.New(cfg, append([]app.Option{app.WithLogger(logger)}, opts.AppOptions...)...)
	if err != nil {
		return fmt.Errorf("システムの初期化に失敗: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sys.Close(closeCtx); err != nil {
			logger.Error("システムの終了処理に失敗しました", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sys.Start(ctx); err != nil {
		if !cfg.Server.Enabled {
			return fmt.Errorf("システムの開始に失敗: %w", err)
		}
		logger.Error("システムを開始できませんでした。APIから再開できます", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server, sys,
			server.WithLogger(logger),
			server.WithMetricsHandler(sys.Metrics().Handler()),
		)
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("終了要求を受け付けました")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
