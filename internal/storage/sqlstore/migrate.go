package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"starknet-agent-kit/deploy/migrations"
	xerrors "starknet-agent-kit/internal/errors"
)

const migrationsTable = "schema_migrations"

// Migrate 按版本顺序执行当前方言下尚未应用的迁移，每个版本成功后写入 schema_migrations。
func (db *DB) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (version VARCHAR(32) NOT NULL PRIMARY KEY, applied_at BIGINT NOT NULL)", migrationsTable)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	list, err := migrations.List(string(db.dialect))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载迁移失败")
	}
	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range list {
		if applied[m.Version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	query, args := db.Builder().Select(migrationsTable, "version").Build()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// execer 是 *sql.DB 与 *sql.Tx 的公共部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// apply 执行单个迁移。MySQL 的 DDL 会隐式提交，事务包不住，因此逐条直接执行；
// 其余方言在一个事务里完成脚本与版本记录。
func (db *DB) apply(ctx context.Context, m migrations.Migration) error {
	statements := db.dialect.SplitStatements(m.SQL)
	record, args := db.Builder().Insert(migrationsTable).
		Set("version", m.Version).
		Set("applied_at", time.Now().Unix()).
		Build()

	run := func(ex execer) error {
		for i, stmt := range statements {
			if _, err := ex.ExecContext(ctx, stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", m.Name, i+1))
			}
		}
		if _, err := ex.ExecContext(ctx, record, args...); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
		}
		return nil
	}

	if db.dialect == DialectMySQL {
		return run(db.DB)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	if err := run(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// SplitStatements 按分号切分脚本。引号、注释内的分号不切分；
// MySQL 额外识别反引号标识符，Postgres 额外识别 $tag$ 形式的美元引用。
// 只有注释的片段会被丢弃。
func (d Dialect) SplitStatements(script string) []string {
	var (
		out     []string
		current strings.Builder
		content bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" && content {
			out = append(out, stmt)
		}
		current.Reset()
		content = false
	}

	for i := 0; i < len(script); {
		ch := script[i]
		switch {
		case ch == '-' && strings.HasPrefix(script[i:], "--"):
			end := strings.IndexByte(script[i:], '\n')
			if end < 0 {
				end = len(script) - i
			}
			current.WriteString(script[i : i+end])
			i += end
		case ch == '/' && strings.HasPrefix(script[i:], "/*"):
			end := strings.Index(script[i+2:], "*/")
			if end < 0 {
				end = len(script) - i - 2
			} else {
				end += 2
			}
			current.WriteString(script[i : i+2+end])
			i += 2 + end
		case ch == '\'' || ch == '"' || (ch == '`' && d == DialectMySQL):
			n := quotedLen(script[i:], ch)
			current.WriteString(script[i : i+n])
			content = true
			i += n
		case ch == '$' && d == DialectPostgres && dollarTag(script[i:]) != "":
			tag := dollarTag(script[i:])
			end := strings.Index(script[i+len(tag):], tag)
			n := len(script) - i
			if end >= 0 {
				n = len(tag) + end + len(tag)
			}
			current.WriteString(script[i : i+n])
			content = true
			i += n
		case ch == ';':
			flush()
			i++
		default:
			if !isSpace(ch) {
				content = true
			}
			current.WriteByte(ch)
			i++
		}
	}
	flush()
	return out
}

// quotedLen 返回以 quote 开头的引用段长度，成对的 quote 视为转义。未闭合时取到结尾。
func quotedLen(s string, quote byte) int {
	for i := 1; i < len(s); i++ {
		if s[i] != quote {
			continue
		}
		if i+1 < len(s) && s[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

// dollarTag 识别 $$ 或 $name$，不是美元引用时返回空串。
func dollarTag(s string) string {
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '$':
			return s[:i+1]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 1 && c >= '0' && c <= '9':
		default:
			return ""
		}
	}
	return ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
