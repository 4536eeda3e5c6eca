package server

import (
	"embed"
)

//go:embed all:dist
var embedFS embed.FS

// indexHTML はダッシュボードのHTMLを返す
func indexHTML() ([]byte, error) {
	return embedFS.ReadFile("dist/index.html")
}
