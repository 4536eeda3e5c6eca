package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"lifeline/internal/detect"
	"lifeline/internal/traffic"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout はSQLiteのstrftimeで扱える形式（UTC）
const timeLayout = "2006-01-02 15:04:05.000"

// writeTimeout はSinkとして書き込むときの1件あたりのタイムアウト
const writeTimeout = 2 * time.Second

// Store はSQLiteにイベントを保存する
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// StoreOption はStoreのオプション
type StoreOption func(*Store)

// WithStoreLogger はロガーを設定する
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithStoreClock は時刻取得関数を差し替える（テスト用）
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Open はデータベースを開き、マイグレーションを適用する
func Open(path string, opts ...StoreOption) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("データベースディレクトリの作成に失敗: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("データベースを開けません: %w", err)
	}
	// SQLiteへの書き込みは1接続に直列化する
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s の設定に失敗: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("データベースを初期化しました", "path", path)
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("マイグレーションの読み込みに失敗: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("マイグレーションドライバの作成に失敗: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("マイグレーションの準備に失敗: %w", err)
	}
	// m.Close は共有している *sql.DB まで閉じるため呼ばない

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return nil
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDetection は検出を1件保存する
func (s *Store) RecordDetection(ctx context.Context, d detect.Detection, at time.Time) error {
	var cx, cy, track sql.NullInt64
	if d.Center != nil {
		cx = sql.NullInt64{Int64: int64(d.Center.X), Valid: true}
		cy = sql.NullInt64{Int64: int64(d.Center.Y), Valid: true}
	}
	if d.TrackID != nil {
		track = sql.NullInt64{Int64: *d.TrackID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections
			(timestamp, class_name, confidence, lane, bbox_x1, bbox_y1, bbox_x2, bbox_y2, center_x, center_y, track_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(at), d.Class, d.Confidence, nullString(d.Lane),
		d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2, cx, cy, track)
	if err != nil {
		return fmt.Errorf("検出の保存に失敗: %w", err)
	}
	return nil
}

// RecordTransition は信号遷移を1件保存する
func (s *Store) RecordTransition(ctx context.Context, t traffic.Transition) error {
	at := t.Time
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_changes (timestamp, direction, old_state, new_state, reason, priority_mode)
		VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(at), t.Direction.String(), t.Old.String(), t.New.String(), nullString(t.Reason), t.Priority)
	if err != nil {
		return fmt.Errorf("信号遷移の保存に失敗: %w", err)
	}
	return nil
}

// RecordSystemEvent はシステムイベントを1件保存する
func (s *Store) RecordSystemEvent(ctx context.Context, e SystemEvent) error {
	at := e.Time
	if at.IsZero() {
		at = s.now()
	}

	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("メタデータの変換に失敗: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_events (timestamp, event_type, description, metadata)
		VALUES (?, ?, ?, ?)`,
		formatTime(at), e.Type, e.Description, metadata)
	if err != nil {
		return fmt.Errorf("システムイベントの保存に失敗: %w", err)
	}
	return nil
}

// LogDetection はSinkとして検出を保存する（失敗はログのみ）
func (s *Store) LogDetection(d detect.Detection) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.RecordDetection(ctx, d, s.now()); err != nil {
		s.logger.Warn("検出の記録に失敗しました", "error", err)
	}
}

// LogTransition はSinkとして信号遷移を保存する（失敗はログのみ）
func (s *Store) LogTransition(t traffic.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.RecordTransition(ctx, t); err != nil {
		s.logger.Warn("信号遷移の記録に失敗しました", "error", err)
	}
}

// LogSystemEvent はSinkとしてシステムイベントを保存する（失敗はログのみ）
func (s *Store) LogSystemEvent(e SystemEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.RecordSystemEvent(ctx, e); err != nil {
		s.logger.Warn("システムイベントの記録に失敗しました", "error", err)
	}
}

// DetectionRecord は保存済みの検出
type DetectionRecord struct {
	ID        int64            `json:"id"`
	Time      time.Time        `json:"timestamp"`
	Detection detect.Detection `json:"detection"`
}

// TransitionRecord は保存済みの信号遷移
type TransitionRecord struct {
	ID        int64     `json:"id"`
	Time      time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Reason    string    `json:"reason"`
	Priority  bool      `json:"priority_mode"`
}

// EventRecord は保存済みのシステムイベント
type EventRecord struct {
	ID    int64       `json:"id"`
	Event SystemEvent `json:"event"`
}

// RecentDetections は新しい順に最大limit件の検出を返す
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, class_name, confidence, lane,
		       bbox_x1, bbox_y1, bbox_x2, bbox_y2, center_x, center_y, track_id
		FROM detections ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("検出の取得に失敗: %w", err)
	}
	defer rows.Close()

	records := []DetectionRecord{}
	for rows.Next() {
		var (
			r          DetectionRecord
			ts         string
			lane       sql.NullString
			cx, cy, id sql.NullInt64
		)
		d := &r.Detection
		if err := rows.Scan(&r.ID, &ts, &d.Class, &d.Confidence, &lane,
			&d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2, &cx, &cy, &id); err != nil {
			return nil, fmt.Errorf("検出の読み取りに失敗: %w", err)
		}
		r.Time = parseTime(ts)
		d.Lane = lane.String
		if cx.Valid && cy.Valid {
			d.Center = &detect.Point{X: int(cx.Int64), Y: int(cy.Int64)}
		}
		if id.Valid {
			v := id.Int64
			d.TrackID = &v
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentTransitions は新しい順に最大limit件の信号遷移を返す
func (s *Store) RecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, direction, old_state, new_state, reason, priority_mode
		FROM signal_changes ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("信号遷移の取得に失敗: %w", err)
	}
	defer rows.Close()

	records := []TransitionRecord{}
	for rows.Next() {
		var (
			r           TransitionRecord
			ts          string
			old, reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &r.Direction, &old, &r.NewState, &reason, &r.Priority); err != nil {
			return nil, fmt.Errorf("信号遷移の読み取りに失敗: %w", err)
		}
		r.Time = parseTime(ts)
		r.OldState = old.String
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentEvents は新しい順に最大limit件のシステムイベントを返す
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, event_type, description, metadata
		FROM system_events ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("システムイベントの取得に失敗: %w", err)
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var (
			r              EventRecord
			ts             string
			desc, metadata sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &r.Event.Type, &desc, &metadata); err != nil {
			return nil, fmt.Errorf("システムイベントの読み取りに失敗: %w", err)
		}
		r.Event.Time = parseTime(ts)
		r.Event.Description = desc.String
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &r.Event.Metadata); err != nil {
				s.logger.Debug("メタデータを解釈できません", "id", r.ID, "error", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Statistics は集計期間の統計
type Statistics struct {
	PeriodDays          int            `json:"period_days"`
	TotalDetections     int            `json:"total_detections"`
	PriorityActivations int            `json:"priority_activations"`
	DetectionsByLane    map[string]int `json:"detections_by_lane"`
	DetectionsByHour    map[string]int `json:"detections_by_hour"`
}

// Statistics は直近days日の統計を返す
func (s *Store) Statistics(ctx context.Context, days int) (Statistics, error) {
	stats := Statistics{
		PeriodDays:       days,
		DetectionsByLane: make(map[string]int),
		DetectionsByHour: make(map[string]int),
	}
	since := formatTime(s.now().AddDate(0, 0, -days))

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE timestamp >= ?`, since).Scan(&stats.TotalDetections)
	if err != nil {
		return stats, fmt.Errorf("検出数の集計に失敗: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM system_events WHERE event_type = ? AND timestamp >= ?`,
		EventPriorityActivated, since).Scan(&stats.PriorityActivations)
	if err != nil {
		return stats, fmt.Errorf("優先モード回数の集計に失敗: %w", err)
	}

	if err := s.groupCount(ctx, stats.DetectionsByLane, `
		SELECT COALESCE(lane, ?), COUNT(*) FROM detections
		WHERE timestamp >= ? GROUP BY 1`, detect.LaneUnknown, since); err != nil {
		return stats, fmt.Errorf("車線別の集計に失敗: %w", err)
	}

	if err := s.groupCount(ctx, stats.DetectionsByHour, `
		SELECT strftime('%H', timestamp), COUNT(*) FROM detections
		WHERE timestamp >= ? GROUP BY 1 ORDER BY 1`, since); err != nil {
		return stats, fmt.Errorf("時間帯別の集計に失敗: %w", err)
	}

	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, dst map[string]int, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		dst[key] = count
	}
	return rows.Err()
}

// CleanupResult は削除件数
type CleanupResult struct {
	Detections  int64 `json:"detections"`
	Transitions int64 `json:"signal_changes"`
	Events      int64 `json:"system_events"`
}

// Cleanup はdays日より古いレコードを削除する
func (s *Store) Cleanup(ctx context.Context, days int) (CleanupResult, error) {
	var result CleanupResult
	cutoff := formatTime(s.now().AddDate(0, 0, -days))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("トランザクションの開始に失敗: %w", err)
	}
	defer tx.Rollback()

	targets := []struct {
		table string
		count *int64
	}{
		{"detections", &result.Detections},
		{"signal_changes", &result.Transitions},
		{"system_events", &result.Events},
	}
	for _, t := range targets {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+t.table+` WHERE timestamp < ?`, cutoff)
		if err != nil {
			return result, fmt.Errorf("%s の削除に失敗: %w", t.table, err)
		}
		*t.count, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("削除のコミットに失敗: %w", err)
	}

	s.logger.Info("古いレコードを削除しました",
		"detections", result.Detections,
		"signal_changes", result.Transitions,
		"system_events", result.Events)
	return result, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
