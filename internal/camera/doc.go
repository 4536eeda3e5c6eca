// Package camera 映像ソースからのフレーム取得を担う
//
// # 責務
// - 映像ソース（V4L2デバイス、動画ファイル、RTSP/HTTPストリーム）のオープンとクローズ
// - 専用ゴルーチンでの連続キャプチャ
// - 有界フレームキューへの投入（満杯時は新しいフレームを破棄）
// - 最新フレームの保持とコピーによる提供
// - 取得統計（フレーム数、FPS、ドロップ数、キュー深さ）の提供
//
// # 仕様
//   - FrameSource: キャプチャゴルーチンの起動・停止・一時停止を管理する
//   - FFmpegCapturer: ffmpeg経由でMJPEGフレームを取得する
//   - FrameQueue: 生産者をブロックしない有界FIFO
//   - LatestFrame: ミューテックスで保護された単一スロット
//   - ファイルソースは終端で先頭に巻き戻し、ライブソースは読み取り失敗時に再試行する
//
// # 前提要件
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
