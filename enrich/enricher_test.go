package enrich

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/types"
)

func testChunks(n int) []types.Chunk {
	chunks := make([]types.Chunk, n)
	for i := range chunks {
		chunks[i] = types.Chunk{
			ID:         fmt.Sprintf("doc1:v1:%d", i),
			Content:    fmt.Sprintf("chunk number %d talks about revenue growth", i),
			TokenCount: 8,
			Seq:        i,
		}
	}
	return chunks
}

func TestEnrichAddsEmbeddingsAndKeywords(t *testing.T) {
	mock := provider.NewMockProvider(8)
	e := New(Config{
		BatchSize:    16,
		MaxWait:      10 * time.Millisecond,
		Workers:      4,
		EmbedModel:   "mock-embed",
		Keywords:     true,
		KeywordLimit: 5,
	}, mock, nil, nil)
	defer e.Close()

	chunks := testChunks(10)
	out, err := e.Enrich(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 10)

	for i, ch := range out {
		assert.Equal(t, chunks[i].ID, ch.ID, "order preserved")
		require.Len(t, ch.Embedding, 8)
		assert.Equal(t, "mock-embed", ch.EmbeddingModel)
		assert.NotEmpty(t, ch.Keywords)
		assert.Contains(t, ch.Keywords, "revenue")
	}
	// 原切片不被修改
	assert.Nil(t, chunks[0].Embedding)
}

func TestEnrichBatchesRequests(t *testing.T) {
	mock := provider.NewMockProvider(4)
	e := New(Config{BatchSize: 32, MaxWait: 50 * time.Millisecond, Workers: 4}, mock, nil, nil)
	defer e.Close()

	_, err := e.Enrich(context.Background(), testChunks(20))
	require.NoError(t, err)

	// 20 个 chunk 远少于 20 次 provider 调用
	assert.Less(t, mock.EmbedCalls(), int64(20))
}

func TestEnrichEmbedFailurePropagates(t *testing.T) {
	mock := provider.NewMockProvider(4)
	mock.EmbedErr = types.NewError(types.ErrRateLimited, "quota exhausted")
	e := New(Config{Workers: 2, MaxWait: time.Millisecond}, mock, nil, nil)
	defer e.Close()

	_, err := e.Enrich(context.Background(), testChunks(3))
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestEnrichSummaryOnlyForLongChunks(t *testing.T) {
	mock := provider.NewMockProvider(4)
	mock.Responses = []string{"A one sentence summary."}
	e := New(Config{
		Workers:          2,
		MaxWait:          time.Millisecond,
		Summary:          true,
		SummaryMinTokens: 100,
	}, mock, mock, nil)
	defer e.Close()

	chunks := testChunks(2)
	chunks[0].TokenCount = 250

	out, err := e.Enrich(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, "A one sentence summary.", out[0].Summary)
	assert.Empty(t, out[1].Summary, "short chunk skips summarization")
}

func TestEnrichEmptyInput(t *testing.T) {
	e := New(Config{}, provider.NewMockProvider(4), nil, nil)
	defer e.Close()

	_, err := e.Enrich(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrEmptyInput, types.GetErrorCode(err))
}

func TestExtractKeywordsDeterministic(t *testing.T) {
	text := "Revenue revenue GROWTH growth growth margin and the of profit"

	a := ExtractKeywords(text, 3)
	b := ExtractKeywords(text, 3)
	assert.Equal(t, a, b)
	assert.Equal(t, []string{"growth", "revenue", "margin"}, a)
}

func TestExtractKeywordsCJK(t *testing.T) {
	kws := ExtractKeywords("营收 营收 增长 的 了", 5)
	assert.Contains(t, kws, "营")
	assert.NotContains(t, kws, "的")
}

func TestEmbedBatcherClosedRejects(t *testing.T) {
	b := NewEmbedBatcher(DefaultBatchConfig(), provider.NewMockProvider(4), nil)
	b.Close()

	_, err := b.EmbedSync(context.Background(), "text")
	assert.ErrorIs(t, err, ErrBatcherClosed)
}
