package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

// DB 包装 *sql.DB 并记录方言。
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect 返回连接使用的方言。
func (db *DB) Dialect() Dialect { return db.dialect }

// Rebind 按方言改写占位符。
func (db *DB) Rebind(query string) string { return db.dialect.Rebind(query) }

// Builder 创建绑定当前方言的查询构造器。
func (db *DB) Builder() *QueryBuilder { return NewQueryBuilder(db.dialect) }

// Open 根据凭据建立连接池并执行迁移。
func Open(ctx context.Context, creds config.DatabaseCredentials) (*DB, error) {
	dialect, err := ParseDialect(creds.Driver)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "数据库配置无效")
	}
	dsn := strings.TrimSpace(creds.DSN)
	if dsn == "" {
		dsn, err = buildDSN(dialect, creds)
		if err != nil {
			return nil, err
		}
	}
	db, err := OpenDSN(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	tunePool(db, creds)
	return db, nil
}

// OpenDSN 使用现成的 DSN 建立连接并执行迁移。
func OpenDSN(ctx context.Context, dialect Dialect, dsn string) (*DB, error) {
	sqlDB, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("打开 %s 连接失败", dialect))
	}
	if dialect == DialectSQLite {
		// SQLite 只允许单写者，内存库在多连接下也会各自独立。
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", dialect))
	}
	db := &DB{DB: sqlDB, dialect: dialect}
	if err := db.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func buildDSN(dialect Dialect, creds config.DatabaseCredentials) (string, error) {
	switch dialect {
	case DialectMySQL:
		cfg := mysql.NewConfig()
		cfg.User = creds.User
		cfg.Passwd = creds.Password
		cfg.Net = "tcp"
		cfg.Addr = hostPort(creds.Host, creds.Port, 3306)
		cfg.DBName = creds.Database
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	case DialectPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(creds.User, creds.Password),
			Host:     hostPort(creds.Host, creds.Port, 5432),
			Path:     "/" + creds.Database,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	case DialectSQLite:
		path := strings.TrimSpace(creds.Database)
		if path == "" {
			return "", xerrors.New(xerrors.CodeInitializationFailure, "SQLite 需要指定数据库文件")
		}
		if path == ":memory:" {
			return path, nil
		}
		return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	}
	return "", xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("不支持的方言 %s", dialect))
}

func hostPort(host string, port, fallback int) string {
	if strings.TrimSpace(host) == "" {
		host = "127.0.0.1"
	}
	if port <= 0 {
		port = fallback
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func tunePool(db *DB, creds config.DatabaseCredentials) {
	if db.dialect == DialectSQLite {
		return
	}
	if creds.MaxOpenConns > 0 {
		db.SetMaxOpenConns(creds.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if creds.MaxIdleConns > 0 {
		db.SetMaxIdleConns(creds.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if creds.ConnMaxLifetimeSeconds > 0 {
		db.SetConnMaxLifetime(time.Duration(creds.ConnMaxLifetimeSeconds) * time.Second)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if creds.ConnMaxIdleTimeSeconds > 0 {
		db.SetConnMaxIdleTime(time.Duration(creds.ConnMaxIdleTimeSeconds) * time.Second)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
