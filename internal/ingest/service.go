package ingest

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage"
	"starknet-agent-kit/internal/task"
	"starknet-agent-kit/pkg/logger"
)

// TaskKind 是文件入库任务的类型。
const TaskKind = "file.ingest"

// Submitter 提交后台任务，通常为 *task.Service。
type Submitter interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
}

// Upload 描述一次已受理的上传。
type Upload struct {
	FileID   string `json:"file_id"`
	AgentID  string `json:"agent_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
	TaskID   string `json:"task_id"`
}

// cachedFile 是上传内容在缓存中的形态，由 Worker 取回。
type cachedFile struct {
	AgentID  string `json:"agent_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
	Content  string `json:"content"`
}

// Payload 是 file.ingest 任务的参数。
type Payload struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
}

func contentKey(fileID string) string {
	return "ingest:content:" + fileID
}

// Service 受理文件上传并投递入库任务。
type Service struct {
	maxBytes int64
	allowed  []string
	ttl      time.Duration
	cache    storage.Cache
	tasks    Submitter
}

// NewService 创建上传服务。
func NewService(cfg config.IngestConfig, cache storage.Cache, tasks Submitter) *Service {
	maxMB := cfg.MaxFileMB
	if maxMB <= 0 {
		maxMB = 10
	}
	ttl := time.Duration(cfg.ContentTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{
		maxBytes: int64(maxMB) << 20,
		allowed:  cfg.AllowedMIMETypes,
		ttl:      ttl,
		cache:    cache,
		tasks:    tasks,
	}
}

// Upload 校验文件大小与类型，缓存内容后提交 file.ingest 任务。
func (s *Service) Upload(ctx context.Context, agentID, filename string, r io.Reader) (*Upload, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if s.cache == nil || s.tasks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "入库服务未初始化")
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "." || filename == string(filepath.Separator) {
		filename = ""
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传内容失败")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, xerrors.New(xerrors.CodePayloadTooLarge, fmt.Sprintf("文件超过 %d MB 上限", s.maxBytes>>20))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "上传文件为空")
	}

	detected := mimetype.Detect(data)
	if !s.allowedType(detected) {
		return nil, xerrors.New(xerrors.CodeUnsupportedMedia, fmt.Sprintf("不支持的文件类型: %s", detected.String()),
			xerrors.WithMetadata("mime_type", detected.String()))
	}
	mimeType, params, err := mime.ParseMediaType(detected.String())
	if err != nil {
		mimeType = strings.TrimSpace(strings.SplitN(detected.String(), ";", 2)[0])
	}
	// 缓存以 JSON 字符串保存内容，非 UTF-8 字节会被替换成 U+FFFD。
	if !utf8.Valid(data) {
		charset := cmp.Or(params["charset"], "unknown")
		return nil, xerrors.New(xerrors.CodeUnsupportedMedia, fmt.Sprintf("只支持 UTF-8 文本，检测到字符集 %s", charset),
			xerrors.WithMetadata("mime_type", detected.String()),
			xerrors.WithMetadata("charset", charset))
	}

	fileID := uuid.NewString()
	if filename == "" {
		filename = fileID + detected.Extension()
	}
	entry := cachedFile{AgentID: agentID, FileName: filename, MIMEType: mimeType, Content: string(data)}
	if err := s.cache.Set(ctx, contentKey(fileID), entry, s.ttl); err != nil {
		return nil, err
	}

	submitted, err := s.tasks.Submit(ctx, task.SubmitRequest{
		Kind:    TaskKind,
		AgentID: agentID,
		Payload: map[string]any{
			"file_id":   fileID,
			"file_name": filename,
			"mime_type": mimeType,
		},
	})
	if err != nil {
		_ = s.cache.Delete(ctx, contentKey(fileID))
		return nil, err
	}

	logger.Audit().Info("文件已受理",
		slog.String("agent_id", agentID),
		slog.String("file_id", fileID),
		slog.String("file_name", filename),
		slog.String("mime_type", mimeType),
		slog.Int("size", len(data)),
		slog.String("task_id", submitted.ID),
	)
	return &Upload{
		FileID:   fileID,
		AgentID:  agentID,
		FileName: filename,
		MIMEType: mimeType,
		Size:     len(data),
		TaskID:   submitted.ID,
	}, nil
}

// allowedType 沿 mimetype 的继承链匹配白名单，例如 JSON 也匹配 text/plain。
func (s *Service) allowedType(m *mimetype.MIME) bool {
	for cur := m; cur != nil; cur = cur.Parent() {
		for _, allowed := range s.allowed {
			if cur.Is(allowed) {
				return true
			}
		}
	}
	return false
}
