// Package server は、信号制御システムのHTTP APIとダッシュボードを提供します。
//
// 責務:
//   - 状態参照と信号操作のREST API（gin）
//   - 注釈付きフレームのMJPEG配信
//   - WebSocketによる状態のプッシュ配信（gorilla/websocket）
//   - Prometheusメトリクスの公開
//   - 埋め込みダッシュボードの配信
//
// 仕様:
//   - エラーは ErrorResponse としてJSONで返す
//   - 入力不正は400、状態による拒否は409、映像ソース不可は503
//   - グレースフルシャットダウンに対応
package server
