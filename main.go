package main

import (
	"context"
	"fmt"
	"os"

	"lifeline/internal/launcher"
)

func main() {
	// 設定ファイルは環境変数で指定する
	err := launcher.Run(context.Background(), launcher.Options{
		ConfigPath: os.Getenv("LIFELINE_CONFIG"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
