// Package migrations 内嵌各数据库方言的建表脚本，目录名与方言名一致。
package migrations

import (
	"cmp"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
)

//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var files embed.FS

// Migration 是一个迁移脚本。Version 取自文件名的数字前缀，例如 0002_tasks.sql 为 "0002"。
type Migration struct {
	Version string
	Name    string
	SQL     string
}

var versionPrefix = regexp.MustCompile(`^(\d+)[_.]`)

// For 返回指定方言的迁移文件系统。
func For(dialect string) (fs.FS, error) {
	sub, err := fs.Sub(files, dialect)
	if err != nil {
		return nil, fmt.Errorf("未找到 %s 的迁移文件: %w", dialect, err)
	}
	if _, err := fs.Stat(sub, "."); err != nil {
		return nil, fmt.Errorf("未找到 %s 的迁移文件: %w", dialect, err)
	}
	return sub, nil
}

// List 按版本升序返回方言下的全部迁移。缺少版本前缀或版本重复都视为打包错误。
func List(dialect string) ([]Migration, error) {
	dir, err := For(dialect)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(dir, "*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]Migration, 0, len(names))
	for _, name := range names {
		m := versionPrefix.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("迁移文件 %s/%s 缺少版本号前缀", dialect, name)
		}
		data, err := fs.ReadFile(dir, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s/%s 失败: %w", dialect, name, err)
		}
		out = append(out, Migration{Version: m[1], Name: name, SQL: string(data)})
	}
	slices.SortFunc(out, func(a, b Migration) int {
		return cmp.Or(cmp.Compare(len(a.Version), len(b.Version)), cmp.Compare(a.Version, b.Version))
	})
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", out[i].Version, out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}
