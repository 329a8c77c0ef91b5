package sqlstore

import (
	"fmt"
	"strings"
)

type queryKind int

const (
	kindSelect queryKind = iota
	kindInsert
	kindUpdate
	kindDelete
)

type condition struct {
	clause string
	args   []any
}

type assignment struct {
	column string
	value  any
	expr   string
}

// QueryBuilder 以链式调用拼装 SQL。占位符统一写作 ?，Build 时按方言改写。
type QueryBuilder struct {
	dialect    Dialect
	kind       queryKind
	table      string
	columns    []string
	sets       []assignment
	conditions []condition
	orderBy    []string
	limit      int
	offset     int
}

// NewQueryBuilder 创建指定方言的构造器。
func NewQueryBuilder(dialect Dialect) *QueryBuilder {
	return &QueryBuilder{dialect: dialect}
}

func (b *QueryBuilder) reset(kind queryKind, table string) *QueryBuilder {
	*b = QueryBuilder{dialect: b.dialect, kind: kind, table: table}
	return b
}

// Select 开始一条 SELECT 语句。未指定列时选择全部列。
func (b *QueryBuilder) Select(table string, columns ...string) *QueryBuilder {
	b.reset(kindSelect, table)
	b.columns = append(b.columns, columns...)
	return b
}

// Insert 开始一条 INSERT 语句，列与值通过 Set 提供。
func (b *QueryBuilder) Insert(table string) *QueryBuilder {
	return b.reset(kindInsert, table)
}

// Update 开始一条 UPDATE 语句。
func (b *QueryBuilder) Update(table string) *QueryBuilder {
	return b.reset(kindUpdate, table)
}

// Delete 开始一条 DELETE 语句。
func (b *QueryBuilder) Delete(table string) *QueryBuilder {
	return b.reset(kindDelete, table)
}

// Set 设置 INSERT 或 UPDATE 的列值。
func (b *QueryBuilder) Set(column string, value any) *QueryBuilder {
	b.sets = append(b.sets, assignment{column: column, value: value})
	return b
}

// SetExpr 以原始表达式更新列，例如 SetExpr("attempts", "attempts + 1")。
func (b *QueryBuilder) SetExpr(column, expr string) *QueryBuilder {
	b.sets = append(b.sets, assignment{column: column, expr: expr})
	return b
}

// Where 追加一个以 AND 连接的条件。
func (b *QueryBuilder) Where(clause string, args ...any) *QueryBuilder {
	b.conditions = append(b.conditions, condition{clause: clause, args: args})
	return b
}

// WhereIn 追加 IN 条件；空列表生成恒假条件。
func (b *QueryBuilder) WhereIn(column string, values ...any) *QueryBuilder {
	if len(values) == 0 {
		return b.Where("1 = 0")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	return b.Where(fmt.Sprintf("%s IN (%s)", column, placeholders), values...)
}

// OrderBy 追加排序表达式，例如 "updated_at DESC"。
func (b *QueryBuilder) OrderBy(exprs ...string) *QueryBuilder {
	b.orderBy = append(b.orderBy, exprs...)
	return b
}

// Limit 限制返回行数，0 表示不限制。
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.limit = n
	return b
}

// Offset 跳过前 n 行，未设置 Limit 时同样生效。
func (b *QueryBuilder) Offset(n int) *QueryBuilder {
	b.offset = n
	return b
}

// Build 生成 SQL 与参数。
func (b *QueryBuilder) Build() (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	switch b.kind {
	case kindSelect:
		cols := "*"
		if len(b.columns) > 0 {
			cols = strings.Join(b.columns, ", ")
		}
		fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, b.table)
	case kindInsert:
		cols := make([]string, 0, len(b.sets))
		for _, s := range b.sets {
			cols = append(cols, s.column)
			args = append(args, s.value)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)", b.table, strings.Join(cols, ", "), placeholders)
		return b.dialect.Rebind(sb.String()), args
	case kindUpdate:
		parts := make([]string, 0, len(b.sets))
		for _, s := range b.sets {
			if s.expr != "" {
				parts = append(parts, s.column+" = "+s.expr)
				continue
			}
			parts = append(parts, s.column+" = ?")
			args = append(args, s.value)
		}
		fmt.Fprintf(&sb, "UPDATE %s SET %s", b.table, strings.Join(parts, ", "))
	case kindDelete:
		fmt.Fprintf(&sb, "DELETE FROM %s", b.table)
	}

	if len(b.conditions) > 0 {
		clauses := make([]string, 0, len(b.conditions))
		for _, c := range b.conditions {
			clauses = append(clauses, c.clause)
			args = append(args, c.args...)
		}
		if len(clauses) == 1 {
			sb.WriteString(" WHERE " + clauses[0])
		} else {
			sb.WriteString(" WHERE (" + strings.Join(clauses, ") AND (") + ")")
		}
	}
	if b.kind == kindSelect {
		if len(b.orderBy) > 0 {
			sb.WriteString(" ORDER BY " + strings.Join(b.orderBy, ", "))
		}
		sb.WriteString(b.dialect.paging(b.limit, b.offset))
	}
	return b.dialect.Rebind(sb.String()), args
}

// paging 生成 LIMIT/OFFSET 子句。MySQL 与 SQLite 不接受单独的 OFFSET，
// 只有偏移量时用各自的"无上限"写法补齐 LIMIT。
func (d Dialect) paging(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset <= 0:
		return ""
	}
	switch d {
	case DialectMySQL:
		return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", offset)
	case DialectSQLite:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	default:
		return fmt.Sprintf(" OFFSET %d", offset)
	}
}
