package ingest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
	"starknet-agent-kit/internal/storage/memory"
	"starknet-agent-kit/internal/task"
)

type recordingSubmitter struct {
	requests []task.SubmitRequest
	err      error
}

func (r *recordingSubmitter) Submit(_ context.Context, req task.SubmitRequest) (*task.Task, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.requests = append(r.requests, req)
	return &task.Task{ID: "task-1", Kind: req.Kind, AgentID: req.AgentID, Payload: req.Payload, Status: task.StatusPending}, nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		MaxFileMB:         1,
		AllowedMIMETypes:  []string{"text/plain", "application/json"},
		ContentTTLSeconds: 60,
	}
}

func TestUploadCachesContentAndSubmitsTask(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewCache(16, time.Hour)
	tasks := &recordingSubmitter{}
	svc := NewService(testIngestConfig(), cache, tasks)

	up, err := svc.Upload(ctx, "nova", "../notes/guide.md", strings.NewReader("# Guide\nDeploy accounts with care.\n"))
	require.NoError(t, err)
	assert.Equal(t, "nova", up.AgentID)
	assert.Equal(t, "guide.md", up.FileName)
	assert.Equal(t, "text/plain", up.MIMEType)
	assert.Equal(t, "task-1", up.TaskID)
	assert.NotEmpty(t, up.FileID)

	require.Len(t, tasks.requests, 1)
	req := tasks.requests[0]
	assert.Equal(t, TaskKind, req.Kind)
	assert.Equal(t, "nova", req.AgentID)
	assert.Equal(t, up.FileID, req.Payload["file_id"])

	var cached cachedFile
	found, err := cache.Get(ctx, contentKey(up.FileID), &cached)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "nova", cached.AgentID)
	assert.Contains(t, cached.Content, "Deploy accounts")
}

func TestUploadAcceptsJSON(t *testing.T) {
	cfg := testIngestConfig()
	cfg.AllowedMIMETypes = []string{"application/json"}
	svc := NewService(cfg, memory.NewCache(16, time.Hour), &recordingSubmitter{})

	up, err := svc.Upload(context.Background(), "nova", "abi.json", strings.NewReader(`{"name":"transfer","inputs":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "application/json", up.MIMEType)
}

func TestUploadRejectsLargeFiles(t *testing.T) {
	svc := NewService(testIngestConfig(), memory.NewCache(16, time.Hour), &recordingSubmitter{})
	data := bytes.Repeat([]byte("a"), 1<<20+1)

	_, err := svc.Upload(context.Background(), "nova", "big.txt", bytes.NewReader(data))
	assert.Equal(t, xerrors.CodePayloadTooLarge, xerrors.CodeOf(err))
}

func TestUploadRejectsUnsupportedTypes(t *testing.T) {
	svc := NewService(testIngestConfig(), memory.NewCache(16, time.Hour), &recordingSubmitter{})
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

	_, err := svc.Upload(context.Background(), "nova", "logo.png", bytes.NewReader(png))
	assert.Equal(t, xerrors.CodeUnsupportedMedia, xerrors.CodeOf(err))
}

func TestUploadRejectsNonUTF8Text(t *testing.T) {
	cases := map[string][]byte{
		"latin1":  []byte("Caf\xe9 au lait, Starknet d\xe9mo\n"),
		"utf16le": {0xff, 0xfe, 'S', 0, 'T', 0, 'R', 0, 'K', 0, '\n', 0},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			submitter := &recordingSubmitter{}
			svc := NewService(testIngestConfig(), memory.NewCache(16, time.Hour), submitter)

			_, err := svc.Upload(context.Background(), "nova", name+".txt", bytes.NewReader(data))
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeUnsupportedMedia, xerrors.CodeOf(err))
			assert.Empty(t, submitter.requests)
		})
	}
}

func TestUploadValidatesInput(t *testing.T) {
	svc := NewService(testIngestConfig(), memory.NewCache(16, time.Hour), &recordingSubmitter{})

	_, err := svc.Upload(context.Background(), "", "a.txt", strings.NewReader("hello"))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = svc.Upload(context.Background(), "nova", "a.txt", strings.NewReader("  \n"))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestUploadDropsContentWhenSubmitFails(t *testing.T) {
	cache := memory.NewCache(16, time.Hour)
	svc := NewService(testIngestConfig(), cache, &recordingSubmitter{err: xerrors.New(task.CodeTaskPublish, "queue down")})

	_, err := svc.Upload(context.Background(), "nova", "a.txt", strings.NewReader("hello"))
	assert.Equal(t, task.CodeTaskPublish, xerrors.CodeOf(err))
	assert.Equal(t, 0, cache.Len())
}
