package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "OpenLLM-Core/internal/errors"
	"OpenLLM-Core/internal/llm"
	"OpenLLM-Core/internal/storage/sqldb"
)

// SQLStore 使用 call_jobs 表记录任务状态，MySQL 与 SQLite 共用同一套语句。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 使用已迁移的数据库创建存储。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "数据库未初始化")
	}
	return &SQLStore{db: db}, nil
}

const selectColumns = `SELECT id, request, status, attempts, max_retries, last_error, error_code, response, created_at, updated_at FROM call_jobs`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	request, err := json.Marshal(job.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务请求失败")
	}
	now := nowMillis()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `INSERT INTO call_jobs
        (id, request, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`,
		job.ID, string(request), string(job.Status), job.Attempts, job.MaxRetries, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if sqldb.IsDuplicate(err) {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job       Job
		request   string
		status    string
		lastError sql.NullString
		response  sql.NullString
	)
	if err := row.Scan(&job.ID, &request, &status, &job.Attempts, &job.MaxRetries, &lastError,
		&job.ErrorCode, &response, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务请求失败")
	}
	if response.Valid && response.String != "" {
		var payload llm.ResponsePayload
		if err := json.Unmarshal([]byte(response.String), &payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务结果失败")
		}
		job.Response = &payload
	}
	return &job, nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 通过条件更新领取任务，避免多个 worker 同时执行。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE call_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts <= max_retries`,
		string(StatusRunning), nowMillis(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		switch job.Status {
		case StatusSucceeded:
			return job, ErrJobCompleted
		case StatusRunning:
			return job, ErrJobConflict
		default:
			return job, ErrJobExhausted
		}
	}
	return job, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, response *llm.ResponsePayload) error {
	encoded, err := json.Marshal(response)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码任务结果失败")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE call_jobs SET status = ?, response = ?, last_error = '', error_code = '', updated_at = ?
        WHERE id = ?`, string(StatusSucceeded), string(encoded), nowMillis(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态时放回 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE call_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, string(code), nowMillis(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。模型过滤在内存中完成，因为请求以 JSON 存储。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := selectColumns
	var args []any
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	skipped := 0
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		if !matches(job, opts) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) == opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 按状态分组计数。
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM call_jobs GROUP BY status`)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计任务失败")
	}
	defer rows.Close()
	var stats Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务统计失败")
		}
		stats.add(Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
