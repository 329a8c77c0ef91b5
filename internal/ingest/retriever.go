package ingest

import (
	"context"
	"fmt"
	"strings"
)

// Retriever 为智能体检索相关知识分块。
type Retriever struct {
	store *VectorStore
	topK  int
}

// NewRetriever 创建检索器，topK<=0 时取 4。
func NewRetriever(store *VectorStore, topK int) *Retriever {
	if topK <= 0 {
		topK = 4
	}
	return &Retriever{store: store, topK: topK}
}

// Search 返回原始检索结果。
func (r *Retriever) Search(ctx context.Context, agentID, query string) ([]Match, error) {
	return r.store.Search(ctx, agentID, query, r.topK)
}

// Retrieve 返回格式化后的知识片段，每段标注来源文件与行号。
func (r *Retriever) Retrieve(ctx context.Context, agentID, query string) ([]string, error) {
	matches, err := r.Search(ctx, agentID, query)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, fmt.Sprintf("[%s:%d-%d] %s", m.FileName, m.StartLine, m.EndLine, strings.TrimSpace(m.Content)))
	}
	return out, nil
}
