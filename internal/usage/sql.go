package usage

import (
	"context"
	"time"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/storage/sqldb"
)

// SQL 把记录写入 usage_records 表。
type SQL struct {
	db *sqldb.DB
}

// NewSQL 使用已迁移的数据库创建 sink。
func NewSQL(db *sqldb.DB) (*SQL, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库未初始化")
	}
	return &SQL{db: db}, nil
}

// LogTurn 插入一行记录。
func (s *SQL) LogTurn(ctx context.Context, record Record) error {
	record = record.normalize()
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_records
        (id, session_id, provider, model, label, strategy, input_tokens, output_tokens, cost, success, attempts, error_code, latency_ms, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.SessionID, record.Provider, record.Model, record.Label, record.Strategy,
		record.InputTokens, record.OutputTokens, record.Cost, boolToInt(record.Success), record.Attempts,
		record.ErrorCode, record.Latency.Milliseconds(), record.Timestamp.UnixMilli())
	if err != nil {
		if sqldb.IsDuplicate(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "用量记录已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入用量记录失败")
	}
	return nil
}

// ListBySession 按时间顺序返回某个会话的记录。
func (s *SQL) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, provider, model, label, strategy, input_tokens, output_tokens,
        cost, success, attempts, error_code, latency_ms, created_at
        FROM usage_records WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用量记录失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			success   int
			latencyMS int64
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Provider, &r.Model, &r.Label, &r.Strategy, &r.InputTokens,
			&r.OutputTokens, &r.Cost, &success, &r.Attempts, &r.ErrorCode, &latencyMS, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取用量记录失败")
		}
		r.Success = success == 1
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		r.Timestamp = time.UnixMilli(createdAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用量记录失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *SQL) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
