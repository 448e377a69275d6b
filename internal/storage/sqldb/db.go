package sqldb

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "OpenLLM-Core/internal/errors"
)

// Dialect 表示底层数据库类型。
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// Config 描述连接参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrations 为 true 时不执行建表。
	SkipMigrations bool
}

// DB 包装连接池与方言。
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect 返回方言。
func (db *DB) Dialect() Dialect { return db.dialect }

// ParseDialect 解析驱动名称，sqlite3 视为 sqlite。
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "不支持的数据库驱动: "+driver)
	}
}

// Open 建立连接池、检查连通性并执行迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}

	switch dialect {
	case SQLite:
		// SQLite 只允许单写者，内存库在多连接下也互不可见。
		db.SetMaxOpenConns(1)
	default:
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		} else {
			db.SetMaxOpenConns(20)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		} else {
			db.SetMaxIdleConns(10)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		} else {
			db.SetConnMaxLifetime(30 * time.Minute)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}

	wrapped := &DB{DB: db, dialect: dialect}
	if !cfg.SkipMigrations {
		if err := wrapped.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return wrapped, nil
}

// IsDuplicate 判断错误是否为主键冲突。
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}
