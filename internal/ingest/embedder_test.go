package ingest

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starknet-agent-kit/internal/config"
	xerrors "starknet-agent-kit/internal/errors"
)

type fakeEmbeddingClient struct {
	mu     sync.Mutex
	calls  [][]string
	errors []error
}

func (f *fakeEmbeddingClient) Embed(_ context.Context, _ string, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), inputs...))
	if len(f.errors) > 0 {
		err := f.errors[0]
		f.errors = f.errors[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in)), 1}
	}
	return out, nil
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	assert.Equal(t, 64, e.Dimensions())

	a, err := e.Embed(context.Background(), []string{"deploy the account", "Deploy the ACCOUNT", "transfer tokens"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[1])
	assert.NotEqual(t, a[0], a[2])

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedderEmptyText(t *testing.T) {
	vectors, err := NewHashEmbedder(8).Embed(context.Background(), []string{""})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0, 0, 0, 0, 0}, vectors[0])
}

func TestHashEmbedderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHashEmbedder(8).Embed(ctx, []string{"x"})
	require.Error(t, err)
}

func TestOpenAIEmbedderCachesVectors(t *testing.T) {
	client := &fakeEmbeddingClient{}
	e, err := NewOpenAIEmbedder(client, "text-embedding-3-small", 2, 16)
	require.NoError(t, err)

	first, err := e.Embed(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), []string{"bb", "ccc"})
	require.NoError(t, err)

	require.Len(t, client.calls, 2)
	assert.Equal(t, []string{"ccc"}, client.calls[1])
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, []float32{3, 1}, second[1])

	_, err = e.Embed(context.Background(), []string{"a", "ccc"})
	require.NoError(t, err)
	assert.Len(t, client.calls, 2)
}

func TestOpenAIEmbedderRetriesRetryableErrors(t *testing.T) {
	client := &fakeEmbeddingClient{errors: []error{xerrors.New(xerrors.CodeModelFailure, "rate limited"), nil}}
	e, err := NewOpenAIEmbedder(client, "m", 2, 16, WithRetry(3, 0))
	require.NoError(t, err)

	vectors, err := e.Embed(context.Background(), []string{"abcd"})
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 1}, vectors[0])
	assert.Len(t, client.calls, 2)
}

func TestOpenAIEmbedderStopsOnPermanentErrors(t *testing.T) {
	client := &fakeEmbeddingClient{errors: []error{xerrors.New(xerrors.CodeInvalidArgument, "bad model")}}
	e, err := NewOpenAIEmbedder(client, "m", 2, 16, WithRetry(3, 0))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"x"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.Len(t, client.calls, 1)
}

func TestOpenAIEmbedderWrapsForeignErrors(t *testing.T) {
	client := &fakeEmbeddingClient{errors: []error{errors.New("boom")}}
	e, err := NewOpenAIEmbedder(client, "m", 2, 16, WithRetry(1, 0))
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"x"})
	assert.Equal(t, xerrors.CodeModelFailure, xerrors.CodeOf(err))
}

func TestNewEmbedderFromConfig(t *testing.T) {
	e, err := NewEmbedderFromConfig(config.IngestConfig{Embedder: "hash", EmbeddingDimensions: 32}, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, e.Dimensions())

	_, err = NewEmbedderFromConfig(config.IngestConfig{Embedder: "openai"}, nil)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	e, err = NewEmbedderFromConfig(config.IngestConfig{Embedder: "OpenAI", EmbeddingDimensions: 2}, &fakeEmbeddingClient{})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIEmbedder{}, e)

	_, err = NewEmbedderFromConfig(config.IngestConfig{Embedder: "word2vec"}, nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
