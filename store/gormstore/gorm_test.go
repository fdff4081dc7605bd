package gormstore_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/gormstore"
	"github.com/BaSui01/knowledgecore/store/storetest"
	"github.com/BaSui01/knowledgecore/types"
)

func newBackend(t *testing.T) *gormstore.Backend {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	b, err := gormstore.New(db, nil)
	require.NoError(t, err)
	return b
}

func TestGormBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newBackend(t)
	})
}

func TestGormChunkPayloadRoundtrip(t *testing.T) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.PutDocument(ctx, &types.Document{
		ID: "d1", KnowledgeBaseID: "kb1", Version: 1, Status: types.StatusDone,
	}))
	ch := types.Chunk{
		ID:              types.ChunkID("d1", 1, 0),
		KnowledgeBaseID: "kb1",
		DocumentID:      "d1",
		DocumentVersion: 1,
		Content:         "payload roundtrip",
		Pages:           []int{2, 3},
		Embedding:       []float64{0.1, 0.2, 0.3},
		EmbeddingModel:  "text-embedding-3-small",
		Keywords:        []string{"payload"},
		Summary:         "a summary",
	}
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{ch}))

	got, err := b.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ch.Embedding, got[0].Embedding)
	assert.Equal(t, ch.Pages, got[0].Pages)
	assert.Equal(t, ch.EmbeddingModel, got[0].EmbeddingModel)
	assert.Equal(t, ch.Summary, got[0].Summary)
}

func TestGormUpsertOverwrites(t *testing.T) {
	b := newBackend(t)
	defer b.Close()
	ctx := context.Background()

	doc := &types.Document{ID: "d1", KnowledgeBaseID: "kb1", Version: 1, Status: types.StatusPending}
	require.NoError(t, b.PutDocument(ctx, doc))
	doc.Status = types.StatusDone
	require.NoError(t, b.PutDocument(ctx, doc))

	got, err := b.GetDocument(ctx, "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)

	docs, err := b.ListDocuments(ctx, "kb1")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
