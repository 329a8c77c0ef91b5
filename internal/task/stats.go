package task

// TaskStats 聚合了任务状态的统计信息，时间戳为毫秒，供网关的 /tasks/stats 与健康检查使用。
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
	// QueueDepth 为队列中尚未被领取的任务数，队列不支持时为 -1。
	QueueDepth int `json:"queue_depth"`
}

// observe 把一条任务计入统计。
func (s *TaskStats) observe(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if t.UpdatedAt == 0 {
		return
	}
	s.NewestUpdatedAt = max(s.NewestUpdatedAt, t.UpdatedAt)
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}
