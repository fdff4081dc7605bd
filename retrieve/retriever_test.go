package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

const dim = 8

func seedChunk(t *testing.T, backend *store.MemoryBackend, kb, docID string, seq int, content string) types.Chunk {
	t.Helper()
	ch := types.Chunk{
		ID:              types.ChunkID(docID, 1, seq),
		KnowledgeBaseID: kb,
		DocumentID:      docID,
		DocumentVersion: 1,
		Seq:             seq,
		Content:         content,
		TokenCount:      len(content) / 4,
		Embedding:       provider.DeterministicVector(content, dim),
	}
	require.NoError(t, backend.UpsertChunks(context.Background(), []types.Chunk{ch}))
	return ch
}

func seedDoc(t *testing.T, backend *store.MemoryBackend, kb, docID string) {
	t.Helper()
	require.NoError(t, backend.PutDocument(context.Background(), &types.Document{
		ID:              docID,
		KnowledgeBaseID: kb,
		Status:          types.StatusDone,
		Version:         1,
	}))
}

func newRetriever(t *testing.T, cfg Config) (*Retriever, *store.MemoryBackend, *provider.MockProvider) {
	t.Helper()
	mock := provider.NewMockProvider(dim)
	backend := store.NewMemoryBackend(nil)
	return New(cfg, mock, mock, backend, nil), backend, mock
}

func TestRetrieveEmptyQueryRejected(t *testing.T) {
	r, _, _ := newRetriever(t, DefaultConfig())
	_, err := r.Retrieve(context.Background(), &Request{KnowledgeBaseID: "kb1", Query: "  "})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRetrieveHybridFusion(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")

	// 与查询逐字相同：向量路与词法路都应命中，融合为 hybrid
	exact := seedChunk(t, backend, "kb1", "d1", 0, "quarterly revenue growth")
	seedChunk(t, backend, "kb1", "d1", 1, "employee onboarding checklist")
	seedChunk(t, backend, "kb1", "d1", 2, "revenue recognition policy")

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "quarterly revenue growth"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)

	top := res.Chunks[0]
	assert.Equal(t, exact.ID, top.Chunk.ID)
	assert.Equal(t, "hybrid", top.Source)
	assert.Greater(t, top.VectorScore, 0.99)
	assert.Greater(t, top.LexicalScore, 0.0)
}

func TestRetrieveTopKLimit(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	for i := 0; i < 20; i++ {
		seedChunk(t, backend, "kb1", "d1", i, "shared topic sentence number")
	}

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "shared topic", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, res.Chunks, 5)
}

func TestRetrieveDeterministicOrdering(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	for i := 0; i < 6; i++ {
		// 同分候选：排序必须以 chunk ID 决胜
		seedChunk(t, backend, "kb1", "d1", i, "identical content for ties")
	}

	req := &Request{KnowledgeBaseID: "kb1", Query: "identical content"}
	first, err := r.Retrieve(ctx, req)
	require.NoError(t, err)
	second, err := r.Retrieve(ctx, req)
	require.NoError(t, err)

	require.Equal(t, len(first.Chunks), len(second.Chunks))
	for i := range first.Chunks {
		assert.Equal(t, first.Chunks[i].Chunk.ID, second.Chunks[i].Chunk.ID)
	}
	for i := 1; i < len(first.Chunks); i++ {
		if first.Chunks[i-1].Score == first.Chunks[i].Score {
			assert.Less(t, first.Chunks[i-1].Chunk.ID, first.Chunks[i].Chunk.ID)
		}
	}
}

func TestRetrieveGraphExpansion(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	seedDoc(t, backend, "kb1", "d2")

	direct := seedChunk(t, backend, "kb1", "d1", 0, "Alice works at Acme Corp")
	// 只能经图谱到达：无向量、与查询无共同词
	indirect := types.Chunk{
		ID:              types.ChunkID("d2", 1, 0),
		KnowledgeBaseID: "kb1",
		DocumentID:      "d2",
		DocumentVersion: 1,
		Content:         "Berlin headquarters opened 2019",
	}
	require.NoError(t, backend.UpsertChunks(ctx, []types.Chunk{indirect}))

	triple := types.Triple{Subject: "Alice", SubjectType: "person", Predicate: "works_at", Object: "Acme Corp", ObjectType: "organization"}
	hash := types.TripleHash("d2", indirect.ID, triple)
	require.NoError(t, backend.UpsertGraph(ctx, "kb1",
		[]types.Entity{
			{Key: "alice|person", Name: "Alice", Type: "person"},
			{Key: "acme corp|organization", Name: "Acme Corp", Type: "organization"},
		},
		[]types.Relation{{
			SourceKey: "alice|person",
			TargetKey: "acme corp|organization",
			Type:      "works_at",
			Provenance: []types.ChunkRef{
				{DocumentID: "d2", ChunkID: indirect.ID, TripleHash: hash},
			},
		}}))

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "Where does Alice work"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Entities)

	var directHit, graphHit *types.ScoredChunk
	for i := range res.Chunks {
		switch res.Chunks[i].Chunk.ID {
		case direct.ID:
			directHit = &res.Chunks[i]
		case indirect.ID:
			graphHit = &res.Chunks[i]
		}
	}
	require.NotNil(t, directHit, "direct hit must survive expansion")
	require.NotNil(t, graphHit, "provenance chunk must be pulled in via graph")
	assert.Equal(t, "graph", graphHit.Source)
	assert.Less(t, graphHit.Score, directHit.Score, "expansion never outranks direct hits")
}

func TestRetrieveGraphExpansionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GraphHops = -1
	r, backend, _ := newRetriever(t, cfg)
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	seedChunk(t, backend, "kb1", "d1", 0, "Alice works at Acme Corp")

	require.NoError(t, backend.UpsertGraph(ctx, "kb1",
		[]types.Entity{{Key: "alice|person", Name: "Alice", Type: "person"}}, nil))

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "Alice"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	for _, c := range res.Chunks {
		assert.NotEqual(t, "graph", c.Source)
	}
}

func TestRetrieveRerank(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	seedChunk(t, backend, "kb1", "d1", 0, "revenue")
	best := seedChunk(t, backend, "kb1", "d1", 1, "annual revenue report summary")

	// MockProvider 的 Rerank 按共同词比例打分，与查询重合最多者应居首
	res, err := r.Retrieve(ctx, &Request{
		KnowledgeBaseID: "kb1",
		Query:           "annual revenue report summary",
		Rerank:          true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, best.ID, res.Chunks[0].Chunk.ID)
	assert.Greater(t, res.Chunks[0].RerankScore, 0.0)
}

func TestRetrieveNilRerankerDegrades(t *testing.T) {
	mock := provider.NewMockProvider(dim)
	backend := store.NewMemoryBackend(nil)
	r := New(DefaultConfig(), mock, nil, backend, nil)
	ctx := context.Background()
	seedDoc(t, backend, "kb1", "d1")
	seedChunk(t, backend, "kb1", "d1", 0, "some content here")

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "some content", Rerank: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Chunks)
}

func TestRetrieveVersionIsolation(t *testing.T) {
	r, backend, _ := newRetriever(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, backend.PutDocument(ctx, &types.Document{
		ID: "d1", KnowledgeBaseID: "kb1", Status: types.StatusDone, Version: 2,
	}))

	// 版本 1 的 chunk 对检索不可见
	stale := types.Chunk{
		ID: types.ChunkID("d1", 1, 0), KnowledgeBaseID: "kb1", DocumentID: "d1",
		DocumentVersion: 1, Content: "stale content", Embedding: provider.DeterministicVector("stale content", dim),
	}
	live := types.Chunk{
		ID: types.ChunkID("d1", 2, 0), KnowledgeBaseID: "kb1", DocumentID: "d1",
		DocumentVersion: 2, Content: "live content", Embedding: provider.DeterministicVector("live content", dim),
	}
	require.NoError(t, backend.UpsertChunks(ctx, []types.Chunk{stale, live}))

	res, err := r.Retrieve(ctx, &Request{KnowledgeBaseID: "kb1", Query: "content"})
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, live.ID, res.Chunks[0].Chunk.ID)
}

func TestMentionCandidates(t *testing.T) {
	got := mentionCandidates("Where does Alice work?")
	assert.Contains(t, got, "Alice")
	assert.Contains(t, got, "Alice work")
	assert.Contains(t, got, "work")
}
