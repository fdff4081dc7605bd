// Package storetest 提供所有存储后端共用的一致性测试套件。
// 每个后端实现用自己的工厂函数调用 Run，保证四个引擎行为一致。
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// Factory 为每个测试创建一个干净的后端。
type Factory func(t *testing.T) store.Backend

// Run 执行全部一致性测试。
func Run(t *testing.T, factory Factory) {
	t.Run("DocumentLifecycle", func(t *testing.T) { testDocumentLifecycle(t, factory(t)) })
	t.Run("ChunkRoundtrip", func(t *testing.T) { testChunkRoundtrip(t, factory(t)) })
	t.Run("VersionPromotion", func(t *testing.T) { testVersionPromotion(t, factory(t)) })
	t.Run("VectorSearch", func(t *testing.T) { testVectorSearch(t, factory(t)) })
	t.Run("TextSearch", func(t *testing.T) { testTextSearch(t, factory(t)) })
	t.Run("GraphMergeIdempotent", func(t *testing.T) { testGraphMergeIdempotent(t, factory(t)) })
	t.Run("GraphPrune", func(t *testing.T) { testGraphPrune(t, factory(t)) })
	t.Run("GraphNeighbors", func(t *testing.T) { testGraphNeighbors(t, factory(t)) })
	t.Run("DeleteDocumentCascade", func(t *testing.T) { testDeleteDocumentCascade(t, factory(t)) })
	t.Run("KnowledgeBaseIsolation", func(t *testing.T) { testKnowledgeBaseIsolation(t, factory(t)) })
}

func doc(kb, id string, version int) *types.Document {
	return &types.Document{
		ID:              id,
		KnowledgeBaseID: kb,
		SourceRef:       "blobs/" + id,
		Format:          "txt",
		Status:          types.StatusDone,
		Version:         version,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func chunk(kb, docID string, version, seq int, content string, embedding []float64) types.Chunk {
	return types.Chunk{
		ID:              types.ChunkID(docID, version, seq),
		KnowledgeBaseID: kb,
		DocumentID:      docID,
		DocumentVersion: version,
		Seq:             seq,
		Content:         content,
		TokenCount:      len(content) / 4,
		Embedding:       embedding,
	}
}

func testDocumentLifecycle(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	_, err := b.GetDocument(ctx, "kb1", "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	d := doc("kb1", "d1", 1)
	require.NoError(t, b.PutDocument(ctx, d))

	got, err := b.GetDocument(ctx, "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, types.StatusDone, got.Status)

	// 更新覆盖
	d.Status = types.StatusFailed
	d.LastError = "boom"
	require.NoError(t, b.PutDocument(ctx, d))
	got, err = b.GetDocument(ctx, "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d2", 1)))
	docs, err := b.ListDocuments(ctx, "kb1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d1", docs[0].ID)
}

func testChunkRoundtrip(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	chunks := []types.Chunk{
		chunk("kb1", "d1", 1, 0, "first chunk", []float64{1, 0}),
		chunk("kb1", "d1", 1, 1, "second chunk", []float64{0, 1}),
	}
	chunks[1].Keywords = []string{"second"}
	chunks[1].Metadata = map[string]any{"min_confidence": 0.7}
	require.NoError(t, b.UpsertChunks(ctx, chunks))

	list, err := b.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Seq)
	assert.Equal(t, "first chunk", list[0].Content)
	assert.Equal(t, []float64{0, 1}, list[1].Embedding)
	assert.Equal(t, []string{"second"}, list[1].Keywords)

	// 重复 upsert 覆盖而非重复
	chunks[0].Content = "first chunk revised"
	require.NoError(t, b.UpsertChunks(ctx, chunks[:1]))
	list, err = b.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first chunk revised", list[0].Content)

	got, err := b.GetChunks(ctx, "kb1", []string{list[1].ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second chunk", got[0].Content)
}

func testVersionPromotion(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 1, 0, "old content", []float64{1, 0}),
	}))

	// 新版本写入期间，旧版本仍可检索
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 2, 0, "new content", []float64{0, 1}),
	}))
	hits, err := b.TextSearch(ctx, "kb1", "old content", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Chunk.DocumentVersion)

	// 切换后只见新版本
	require.NoError(t, b.PromoteVersion(ctx, "kb1", "d1", 2))
	hits, err = b.TextSearch(ctx, "kb1", "content", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, hits[0].Chunk.DocumentVersion)
	assert.Equal(t, "new content", hits[0].Chunk.Content)

	err = b.PromoteVersion(ctx, "kb1", "missing", 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func testVectorSearch(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 1, 0, "about cats", []float64{1, 0, 0}),
		chunk("kb1", "d1", 1, 1, "about dogs", []float64{0.9, 0.1, 0}),
		chunk("kb1", "d1", 1, 2, "about fish", []float64{0, 0, 1}),
	}))

	hits, err := b.VectorSearch(ctx, "kb1", []float64{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "about cats", hits[0].Chunk.Content)
	assert.Equal(t, "about dogs", hits[1].Chunk.Content)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "vector", hits[0].Source)
}

func testTextSearch(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 1, 0, "quarterly revenue grew strongly", nil),
		chunk("kb1", "d1", 1, 1, "revenue revenue revenue numbers", nil),
		chunk("kb1", "d1", 1, 2, "unrelated gardening advice", nil),
	}))

	hits, err := b.TextSearch(ctx, "kb1", "revenue", 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	// 高词频得分更高
	assert.Equal(t, 1, hits[0].Chunk.Seq)
	assert.Equal(t, "lexical", hits[0].Source)
}

func graphFixture() ([]types.Entity, []types.Relation) {
	alice := types.Triple{Subject: "Alice", SubjectType: "person", Predicate: "works_at", Object: "Acme Corp", ObjectType: "organization"}
	hash := types.TripleHash("d1", "d1:v1:0", alice)
	ref := types.ChunkRef{DocumentID: "d1", ChunkID: "d1:v1:0", TripleHash: hash}

	entities := []types.Entity{
		{Key: types.EntityKey("Alice", "person"), Name: "Alice", Type: "person", Provenance: []types.ChunkRef{ref}},
		{Key: types.EntityKey("Acme Corp", "organization"), Name: "Acme Corp", Type: "organization", Provenance: []types.ChunkRef{ref}},
	}
	relations := []types.Relation{{
		SourceKey:  entities[0].Key,
		TargetKey:  entities[1].Key,
		Type:       "works_at",
		Provenance: []types.ChunkRef{ref},
	}}
	return entities, relations
}

func testGraphMergeIdempotent(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	entities, relations := graphFixture()
	require.NoError(t, b.UpsertGraph(ctx, "kb1", entities, relations))

	// 重放同一抽取结果：权重与来源不变
	require.NoError(t, b.UpsertGraph(ctx, "kb1", entities, relations))

	rels, err := b.Neighbors(ctx, "kb1", []string{entities[0].Key}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)
	assert.Len(t, rels[0].Provenance, 1)

	// 另一文档支持同一关系：权重增加
	other := types.ChunkRef{DocumentID: "d2", ChunkID: "d2:v1:0", TripleHash: "otherhash"}
	relations[0].Provenance = []types.ChunkRef{other}
	require.NoError(t, b.UpsertGraph(ctx, "kb1", nil, relations))

	rels, err = b.Neighbors(ctx, "kb1", []string{entities[0].Key}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 2.0, rels[0].Weight)
}

func testGraphPrune(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	entities, relations := graphFixture()
	other := types.ChunkRef{DocumentID: "d2", ChunkID: "d2:v1:0", TripleHash: "otherhash"}
	relations[0].Provenance = append(relations[0].Provenance, other)
	entities[0].Provenance = append(entities[0].Provenance, other)
	require.NoError(t, b.UpsertGraph(ctx, "kb1", entities, relations))

	// 剪除 d2：关系保留但权重回落
	require.NoError(t, b.PruneGraph(ctx, "kb1", "d2"))
	rels, err := b.Neighbors(ctx, "kb1", []string{entities[0].Key}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)

	// 剪除 d1：来源清空，关系与实体消失
	require.NoError(t, b.PruneGraph(ctx, "kb1", "d1"))
	rels, err = b.Neighbors(ctx, "kb1", []string{entities[0].Key}, 1)
	require.NoError(t, err)
	assert.Empty(t, rels)

	found, err := b.FindEntities(ctx, "kb1", []string{"Alice"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testGraphNeighbors(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	// alice -> acme -> berlin 两跳链
	ref := func(h string) []types.ChunkRef {
		return []types.ChunkRef{{DocumentID: "d1", ChunkID: "d1:v1:0", TripleHash: h}}
	}
	aliceKey := types.EntityKey("Alice", "person")
	acmeKey := types.EntityKey("Acme Corp", "organization")
	berlinKey := types.EntityKey("Berlin", "location")

	entities := []types.Entity{
		{Key: aliceKey, Name: "Alice", Type: "person", Provenance: ref("h1")},
		{Key: acmeKey, Name: "Acme Corp", Type: "organization", Provenance: ref("h1")},
		{Key: berlinKey, Name: "Berlin", Type: "location", Provenance: ref("h2")},
	}
	relations := []types.Relation{
		{SourceKey: aliceKey, TargetKey: acmeKey, Type: "works_at", Provenance: ref("h1")},
		{SourceKey: acmeKey, TargetKey: berlinKey, Type: "located_in", Provenance: ref("h2")},
	}
	require.NoError(t, b.UpsertGraph(ctx, "kb1", entities, relations))

	oneHop, err := b.Neighbors(ctx, "kb1", []string{aliceKey}, 1)
	require.NoError(t, err)
	require.Len(t, oneHop, 1)
	assert.Equal(t, "works_at", oneHop[0].Type)

	twoHop, err := b.Neighbors(ctx, "kb1", []string{aliceKey}, 2)
	require.NoError(t, err)
	require.Len(t, twoHop, 2)

	found, err := b.FindEntities(ctx, "kb1", []string{"alice", "berlin"})
	require.NoError(t, err)
	require.Len(t, found, 2)
}

func testDeleteDocumentCascade(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 1, 0, "alice works at acme", []float64{1, 0}),
	}))
	entities, relations := graphFixture()
	require.NoError(t, b.UpsertGraph(ctx, "kb1", entities, relations))

	require.NoError(t, b.DeleteDocument(ctx, "kb1", "d1"))

	_, err := b.GetDocument(ctx, "kb1", "d1")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	hits, err := b.TextSearch(ctx, "kb1", "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	rels, err := b.Neighbors(ctx, "kb1", []string{entities[0].Key}, 1)
	require.NoError(t, err)
	assert.Empty(t, rels)

	err = b.DeleteDocument(ctx, "kb1", "d1")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func testKnowledgeBaseIsolation(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, doc("kb1", "d1", 1)))
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{
		chunk("kb1", "d1", 1, 0, "secret kb1 content", []float64{1}),
	}))

	hits, err := b.TextSearch(ctx, "kb2", "secret", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	docs, err := b.ListDocuments(ctx, "kb2")
	require.NoError(t, err)
	assert.Empty(t, docs)
}
