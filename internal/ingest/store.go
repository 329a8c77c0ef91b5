package ingest

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	xerrors "starknet-agent-kit/internal/errors"
)

const (
	metaFileID    = "file_id"
	metaFileName  = "file_name"
	metaChunk     = "chunk"
	metaStartLine = "start_line"
	metaEndLine   = "end_line"
)

// Document 是向量库中的一个分块。
type Document struct {
	ID        string
	FileID    string
	FileName  string
	Chunk     int
	StartLine int
	EndLine   int
	Content   string
	Embedding []float32
}

// Match 是一次相似度检索的结果。
type Match struct {
	Document
	Similarity float32
}

// VectorStore 基于 chromem-go，每个智能体一个 collection。
type VectorStore struct {
	db       *chromem.DB
	embedder Embedder
}

// NewVectorStore 创建向量库。path 为空时仅保存在内存中。
func NewVectorStore(path string, compress bool, embedder Embedder) (*VectorStore, error) {
	if embedder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "向量库缺少向量器")
	}
	db := chromem.NewDB()
	if strings.TrimSpace(path) != "" {
		var err error
		db, err = chromem.NewPersistentDB(path, compress)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开持久化向量库失败")
		}
	}
	return &VectorStore{db: db, embedder: embedder}, nil
}

func collectionName(agentID string) string {
	return "agent-" + agentID
}

func (s *VectorStore) collection(agentID string) (*chromem.Collection, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	embed := func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	}
	col, err := s.db.GetOrCreateCollection(collectionName(agentID), nil, embed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开向量集合失败")
	}
	return col, nil
}

// Add 写入分块。缺少向量的分块由 collection 的向量函数补齐。
func (s *VectorStore) Add(ctx context.Context, agentID string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	col, err := s.collection(agentID)
	if err != nil {
		return err
	}
	rows := make([]chromem.Document, len(docs))
	for i, d := range docs {
		rows[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: d.Embedding,
			Metadata: map[string]string{
				metaFileID:    d.FileID,
				metaFileName:  d.FileName,
				metaChunk:     strconv.Itoa(d.Chunk),
				metaStartLine: strconv.Itoa(d.StartLine),
				metaEndLine:   strconv.Itoa(d.EndLine),
			},
		}
	}
	if err := col.AddDocuments(ctx, rows, runtime.NumCPU()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %d 个分块失败", len(rows)))
	}
	return nil
}

// Search 返回与 query 最相似的至多 k 个分块。k 超过分块总数时按总数截断。
func (s *VectorStore) Search(ctx context.Context, agentID, query string, k int) ([]Match, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}
	col, err := s.collection(agentID)
	if err != nil {
		return nil, err
	}
	if count := col.Count(); count == 0 {
		return nil, nil
	} else if k > count {
		k = count
	}
	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "向量检索失败")
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			Document: Document{
				ID:        r.ID,
				FileID:    r.Metadata[metaFileID],
				FileName:  r.Metadata[metaFileName],
				Chunk:     atoi(r.Metadata[metaChunk]),
				StartLine: atoi(r.Metadata[metaStartLine]),
				EndLine:   atoi(r.Metadata[metaEndLine]),
				Content:   r.Content,
				Embedding: r.Embedding,
			},
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

// DeleteByFile 删除某个文件的全部分块。
func (s *VectorStore) DeleteByFile(ctx context.Context, agentID, fileID string) error {
	col, err := s.collection(agentID)
	if err != nil {
		return err
	}
	if col.Count() == 0 {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{metaFileID: fileID}, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除文件分块失败")
	}
	return nil
}

// Count 返回智能体已入库的分块数。
func (s *VectorStore) Count(agentID string) int {
	col := s.db.GetCollection(collectionName(agentID), nil)
	if col == nil {
		return 0
	}
	return col.Count()
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
