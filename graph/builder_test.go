package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

const aliceTriples = `{"triples": [
	{"subject": "Alice", "subject_type": "person", "predicate": "works_at", "object": "Acme Corp", "object_type": "organization"},
	{"subject": "Acme Corp", "subject_type": "organization", "predicate": "located_in", "object": "Berlin", "object_type": "location"}
]}`

func testChunk(docID string, seq int) types.Chunk {
	return types.Chunk{
		ID:              types.ChunkID(docID, 1, seq),
		KnowledgeBaseID: "kb1",
		DocumentID:      docID,
		DocumentVersion: 1,
		Seq:             seq,
		Content:         "Alice works at Acme Corp, which is located in Berlin.",
	}
}

func newBuilder(responses ...string) (*Builder, *store.MemoryBackend) {
	mock := provider.NewMockProvider(4)
	mock.Responses = responses
	backend := store.NewMemoryBackend(nil)
	return NewBuilder(DefaultConfig(), mock, backend, nil), backend
}

func TestBuildDocumentCreatesEntitiesAndRelations(t *testing.T) {
	b, backend := newBuilder(aliceTriples)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))

	found, err := backend.FindEntities(ctx, "kb1", []string{"Alice"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "alice|person", found[0].Key)

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 2)
	require.NoError(t, err)
	require.Len(t, rels, 2)
}

func TestBuildDocumentIdempotentReplay(t *testing.T) {
	b, backend := newBuilder(aliceTriples)
	ctx := context.Background()
	chunks := []types.Chunk{testChunk("d1", 0)}

	require.NoError(t, b.BuildDocument(ctx, "kb1", chunks))
	// 重试同一文档：同一 TripleHash，合并无变化
	require.NoError(t, b.BuildDocument(ctx, "kb1", chunks))

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)
	assert.Len(t, rels[0].Provenance, 1)
}

func TestBuildDocumentRebuildReplacesProvenance(t *testing.T) {
	b, backend := newBuilder(aliceTriples)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))

	// 新版本重建：chunk ID 随版本变化，旧来源必须被替换而非叠加
	v2 := testChunk("d1", 0)
	v2.ID = types.ChunkID("d1", 2, 0)
	v2.DocumentVersion = 2
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{v2}))

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)
	require.Len(t, rels[0].Provenance, 1)
	assert.Equal(t, v2.ID, rels[0].Provenance[0].ChunkID)
}

func TestBuildDocumentRebuildKeepsOtherDocuments(t *testing.T) {
	b, backend := newBuilder(aliceTriples)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d2", 0)}))

	// 重建 d1 只替换 d1 的来源，d2 的支撑不受影响
	v2 := testChunk("d1", 0)
	v2.ID = types.ChunkID("d1", 2, 0)
	v2.DocumentVersion = 2
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{v2}))

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 2.0, rels[0].Weight)
}

func TestBuildDocumentWeightGrowsAcrossDocuments(t *testing.T) {
	b, backend := newBuilder(aliceTriples)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d2", 0)}))

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 2.0, rels[0].Weight)
}

func TestBuildDocumentSkipsMalformedOutput(t *testing.T) {
	b, backend := newBuilder("this is not json at all")
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))

	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestBuildDocumentPropagatesCompletionError(t *testing.T) {
	mock := provider.NewMockProvider(4)
	mock.CompleteFn = func(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, types.NewError(types.ErrRateLimited, "quota")
	}
	b := NewBuilder(DefaultConfig(), mock, store.NewMemoryBackend(nil), nil)

	err := b.BuildDocument(context.Background(), "kb1", []types.Chunk{testChunk("d1", 0)})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestRemoveDocumentPrunesProvenance(t *testing.T) {
	b, backend := newBuilder(aliceTriples, aliceTriples)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d2", 0)}))

	require.NoError(t, b.RemoveDocument(ctx, "kb1", "d2"))
	rels, err := backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)

	require.NoError(t, b.RemoveDocument(ctx, "kb1", "d1"))
	rels, err = backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func TestParseTriplesVariants(t *testing.T) {
	fenced := "```json\n" + aliceTriples + "\n```"
	triples, err := ParseTriples(fenced)
	require.NoError(t, err)
	assert.Len(t, triples, 2)

	bare := `[{"subject": "A", "subject_type": "person", "predicate": "knows", "object": "B", "object_type": "person"}]`
	triples, err = ParseTriples(bare)
	require.NoError(t, err)
	assert.Len(t, triples, 1)

	_, err = ParseTriples("prose answer")
	require.Error(t, err)
}

func TestEntityNormalizationMergesVariants(t *testing.T) {
	// 同一实体的大小写/空白变体合并到一个节点
	variants := `{"triples": [
		{"subject": "ACME  corp", "subject_type": "Organization", "predicate": "produces", "object": "Widgets", "object_type": "product"}
	]}`
	b, backend := newBuilder(aliceTriples, variants)
	ctx := context.Background()

	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d1", 0)}))
	require.NoError(t, b.BuildDocument(ctx, "kb1", []types.Chunk{testChunk("d2", 0)}))

	found, err := backend.FindEntities(ctx, "kb1", []string{"acme corp"})
	require.NoError(t, err)
	require.Len(t, found, 1, "case and whitespace variants must share one node")

	rels, err := backend.Neighbors(ctx, "kb1", []string{"acme corp|organization"}, 1)
	require.NoError(t, err)
	assert.Len(t, rels, 3)
}
