package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-router/internal/telemetry"
)

// EventStore 将遥测事件持久化到 SQLite。写入是同步的，应放在 telemetry.Async 之后使用。
type EventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEventStore 初始化事件表。
func NewEventStore(st *Store, logger *zap.Logger) (*EventStore, error) {
	if st == nil {
		return nil, fmt.Errorf("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &EventStore{
		db:     st.DB(),
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS telemetry_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	digest TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_events_type ON telemetry_events(event_type);
CREATE INDEX IF NOT EXISTS idx_telemetry_events_digest ON telemetry_events(digest);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *EventStore) Record(ctx context.Context, ev telemetry.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: 序列化事件失败: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telemetry_events (event_type, digest, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(ev.Type), ev.Digest, string(payload), ev.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入事件失败: %w", err)
	}
	return nil
}

// Emit 实现 telemetry.Sink，写入失败只记录日志。
func (s *EventStore) Emit(ev telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Warn("记录遥测事件失败", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// EventQuery 为事件检索条件，空字段不过滤。
type EventQuery struct {
	Type   telemetry.EventType
	Digest string
	Limit  int
}

// ListEvents 按条件返回最近事件，新事件在前。
func (s *EventStore) ListEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT payload FROM telemetry_events WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Digest != "" {
		query += ` AND digest = ?`
		args = append(args, q.Digest)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]telemetry.Event, 0, limit)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("store: 解析事件失败: %w", scanErr)
		}
		var ev telemetry.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("store: 解析事件失败: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取事件失败: %w", err)
	}
	return events, nil
}
