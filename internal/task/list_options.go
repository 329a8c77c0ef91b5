package task

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// 列表接口的分页上限。
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

// TimeWindow 是毫秒时间戳的闭区间，零值端点表示不限制。
type TimeWindow struct {
	From int64
	To   int64
}

// Contains 判断 ms 是否落在窗口内。
func (w TimeWindow) Contains(ms int64) bool {
	return (w.From == 0 || ms >= w.From) && (w.To == 0 || ms <= w.To)
}

// ListOptions 是 Store.List 与 Store.Stats 共用的过滤条件。
// 两种 Store 实现必须给出相同的语义：内存实现直接调用 Match，SQL 实现翻译为 WHERE 子句。
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []Status
	Kinds     []string
	AgentID   string
	Updated   TimeWindow
	HasResult *bool
	Order     SortOrder
	// Query 对 ID、类型、智能体、payload、错误与结果做不区分大小写的包含匹配。
	Query string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只保留指定状态，非法状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithKinds 按任务类型过滤，例如 file.ingest。
func WithKinds(kinds ...string) ListOption {
	return func(o *ListOptions) { o.Kinds = slices.Clone(kinds) }
}

// WithAgent 只返回某个智能体的任务。
func WithAgent(agentID string) ListOption {
	return func(o *ListOptions) { o.AgentID = agentID }
}

// WithUpdatedSince 设置更新时间下界（含）。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.Updated.From = millisOrZero(ts) }
}

// WithUpdatedUntil 设置更新时间上界（含）。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.Updated.To = millisOrZero(ts) }
}

// WithResultPresence 按是否已有执行结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// NewListOptions 应用选项并规范化。
func NewListOptions(opts ...ListOption) ListOptions {
	return buildListOptions(opts)
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

// normalize 把分页限制在合法范围内，并清理状态与文本条件。可重复调用。
func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultListLimit
	case o.Limit > MaxListLimit:
		o.Limit = MaxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = normalizeStatuses(o.Statuses)
	o.Query = strings.TrimSpace(o.Query)
	o.AgentID = strings.TrimSpace(o.AgentID)
}

// Match 判断任务是否满足全部过滤条件，分页与排序不在此处理。
func (o ListOptions) Match(t *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, t.Status):
		return false
	case len(o.Kinds) > 0 && !slices.Contains(o.Kinds, t.Kind):
		return false
	case o.AgentID != "" && t.AgentID != o.AgentID:
		return false
	case !o.Updated.Contains(t.UpdatedAt):
		return false
	case o.HasResult != nil && (len(t.Result) > 0) != *o.HasResult:
		return false
	case o.Query != "" && !matchesQuery(t, o.Query):
		return false
	}
	return true
}

// compare 给出列表顺序：UpdatedAt，其次 CreatedAt，最后 ID，方向由 Order 决定。
func (o ListOptions) compare(a, b *Task) int {
	c := cmpInt64(a.UpdatedAt, b.UpdatedAt)
	if c == 0 {
		c = cmpInt64(a.CreatedAt, b.CreatedAt)
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if o.Order == SortByUpdatedAsc {
		return c
	}
	return -c
}

// page 对已排序的结果应用 Offset 与 Limit。
func (o ListOptions) page(tasks []*Task) []*Task {
	if o.Offset >= len(tasks) {
		return []*Task{}
	}
	tasks = tasks[o.Offset:]
	return tasks[:min(len(tasks), o.Limit)]
}

// ParseStatuses 解析逗号分隔的状态列表，例如 "pending,failed"。
func ParseStatuses(raw string) []Status {
	var out []Status
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, Status(part))
		}
	}
	return normalizeStatuses(out)
}

func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, s := range input {
		if IsValidStatus(s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func matchesQuery(t *Task, query string) bool {
	query = strings.ToLower(query)
	payload, _ := json.Marshal(t.Payload)
	for _, field := range []string{t.ID, t.Kind, t.AgentID, string(payload), t.LastError, string(t.Result)} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func millisOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.UnixMilli()
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
