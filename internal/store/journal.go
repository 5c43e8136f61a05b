package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-router/internal/execution"
)

// Journal 持久化执行终态，进程重启后用于回灌去重缓存。
type Journal struct {
	db     *sql.DB
	logger *zap.Logger
	// retention 之外的记录不参与回灌，0 表示全部
	retention time.Duration
}

var _ execution.Journal = (*Journal)(nil)

// NewJournal 初始化执行结果表。
func NewJournal(st *Store, retention time.Duration, logger *zap.Logger) (*Journal, error) {
	if st == nil {
		return nil, fmt.Errorf("store: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	j := &Journal{
		db:        st.DB(),
		logger:    logger,
		retention: retention,
	}
	if err := j.initSchema(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS execution_outcomes (
	digest TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	status TEXT NOT NULL,
	effects_ms REAL NOT NULL DEFAULT 0,
	endpoint TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	completed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_execution_outcomes_completed ON execution_outcomes(completed_at);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化执行结果表失败: %w", err)
	}
	return nil
}

// Save 写入或覆盖摘要的终态结果。
func (j *Journal) Save(ctx context.Context, r execution.Result) error {
	if r.Digest == "" {
		return fmt.Errorf("store: 结果缺少摘要")
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: 序列化执行结果失败: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO execution_outcomes (digest, execution_id, status, effects_ms, endpoint, attempts, payload, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(digest) DO UPDATE SET
	status = excluded.status,
	effects_ms = excluded.effects_ms,
	endpoint = excluded.endpoint,
	attempts = excluded.attempts,
	payload = excluded.payload,
	completed_at = excluded.completed_at`,
		r.Digest, r.ID, string(r.Status), r.EffectsMs, r.Endpoint, r.Attempts, string(payload),
		r.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入执行结果失败: %w", err)
	}
	return nil
}

// Terminal 返回保留期内的全部终态结果。
func (j *Journal) Terminal(ctx context.Context) ([]execution.Result, error) {
	query := `SELECT payload FROM execution_outcomes`
	args := make([]interface{}, 0, 1)
	if j.retention > 0 {
		query += ` WHERE completed_at >= ?`
		args = append(args, time.Now().UTC().Add(-j.retention).Format(time.RFC3339Nano))
	}
	query += ` ORDER BY completed_at ASC`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询执行结果失败: %w", err)
	}
	defer rows.Close()

	out := make([]execution.Result, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 解析执行结果失败: %w", err)
		}
		var r execution.Result
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			j.logger.Warn("跳过无法解析的执行结果", zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取执行结果失败: %w", err)
	}
	return out, nil
}

// Get 返回单个摘要的结果。
func (j *Journal) Get(ctx context.Context, digest string) (execution.Result, bool, error) {
	var payload string
	err := j.db.QueryRowContext(ctx, `SELECT payload FROM execution_outcomes WHERE digest = ?`, digest).Scan(&payload)
	if err == sql.ErrNoRows {
		return execution.Result{}, false, nil
	}
	if err != nil {
		return execution.Result{}, false, fmt.Errorf("store: 查询执行结果失败: %w", err)
	}
	var r execution.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return execution.Result{}, false, fmt.Errorf("store: 解析执行结果失败: %w", err)
	}
	return r, true, nil
}
