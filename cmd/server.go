// Package main はLifelineサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"lifeline/internal/launcher"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		source     = flag.String("source", "", "映像ソース（カメラ番号、デバイス、動画ファイル、ストリームURL）")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		noAPI      = flag.Bool("no-api", false, "APIサーバーを起動しない")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Lifeline")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	err := launcher.Run(context.Background(), launcher.Options{
		ConfigPath: *configPath,
		Source:     *source,
		Host:       *host,
		Port:       *port,
		NoAPI:      *noAPI,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
