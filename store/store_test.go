package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/knowledgecore/types"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1, 2}, []float64{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{0, 0}))
}

func TestTokenizeQuery(t *testing.T) {
	assert.Equal(t, []string{"hello", "world42"}, TokenizeQuery("Hello, WORLD42!"))
	assert.Equal(t, []string{"营", "收", "report"}, TokenizeQuery("营收 Report"))
	assert.Empty(t, TokenizeQuery("  ... "))
}

func TestLexicalScoreSaturates(t *testing.T) {
	terms := TokenizeQuery("revenue")
	once := LexicalScore(terms, "revenue figures")
	many := LexicalScore(terms, "revenue revenue revenue revenue")

	assert.Greater(t, many, once)
	assert.LessOrEqual(t, many, 1.0)
	assert.Equal(t, 0.0, LexicalScore(terms, "nothing relevant"))
	assert.Equal(t, 0.0, LexicalScore(nil, "anything"))
}

func TestMergeRelationIdempotent(t *testing.T) {
	ref := types.ChunkRef{DocumentID: "d1", ChunkID: "c1", TripleHash: "h1"}
	dst := types.Relation{SourceKey: "a", TargetKey: "b", Type: "knows",
		Provenance: []types.ChunkRef{ref}, Weight: 1}

	MergeRelation(&dst, types.Relation{Provenance: []types.ChunkRef{ref}})
	assert.Equal(t, 1.0, dst.Weight)
	assert.Len(t, dst.Provenance, 1)

	MergeRelation(&dst, types.Relation{Provenance: []types.ChunkRef{
		{DocumentID: "d2", ChunkID: "c2", TripleHash: "h2"},
	}})
	assert.Equal(t, 2.0, dst.Weight)
}

func TestMergeEntityAliases(t *testing.T) {
	dst := types.Entity{Key: "acme corp|organization", Name: "Acme Corp", Type: "organization"}

	MergeEntity(&dst, types.Entity{Name: "Acme", Aliases: []string{"Acme", "ACME Inc"}, Description: "a company"})
	assert.Equal(t, "a company", dst.Description)
	assert.ElementsMatch(t, []string{"Acme", "ACME Inc"}, dst.Aliases)

	// 重复并入不增长
	MergeEntity(&dst, types.Entity{Aliases: []string{"Acme"}})
	assert.Len(t, dst.Aliases, 2)
}

func TestTopKDeterministicTieBreak(t *testing.T) {
	hits := []types.ScoredChunk{
		{Chunk: types.Chunk{ID: "b"}, Score: 0.5},
		{Chunk: types.Chunk{ID: "a"}, Score: 0.5},
		{Chunk: types.Chunk{ID: "c"}, Score: 0.9},
	}
	top := TopK(hits, 2)
	assert.Equal(t, "c", top[0].Chunk.ID)
	assert.Equal(t, "a", top[1].Chunk.ID)
}
