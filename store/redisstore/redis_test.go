package redisstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/redisstore"
	"github.com/BaSui01/knowledgecore/store/storetest"
	"github.com/BaSui01/knowledgecore/types"
)

func newBackend(t *testing.T) *redisstore.Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstore.NewWithClient(client, "kctest:", nil)
}

func TestRedisBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		return newBackend(t)
	})
}

func TestRedisChunkSurvivesRoundtrip(t *testing.T) {
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
		Content:         "序列化往返",
		Embedding:       []float64{0.25, -0.5},
		Keywords:        []string{"序"},
		Metadata:        map[string]any{"min_confidence": 0.8},
	}
	require.NoError(t, b.UpsertChunks(ctx, []types.Chunk{ch}))

	got, err := b.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ch.Content, got[0].Content)
	assert.Equal(t, ch.Embedding, got[0].Embedding)
	assert.Equal(t, 0.8, got[0].Metadata["min_confidence"])
}
