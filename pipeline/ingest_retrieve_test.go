package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/blob"
	"github.com/BaSui01/knowledgecore/chunk"
	"github.com/BaSui01/knowledgecore/enrich"
	"github.com/BaSui01/knowledgecore/extract"
	"github.com/BaSui01/knowledgecore/graph"
	"github.com/BaSui01/knowledgecore/internal/metrics"
	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/retrieve"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// 全链路：markdown 落盘 → 摄取管线 → 混合检索 + 图谱扩展。
func TestIngestThenRetrieve(t *testing.T) {
	dir := t.TempDir()
	doc := `# Team

Alice works at Acme Corp as a staff engineer.

# Offices

Acme Corp is located in Berlin, near the main station.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team.md"), []byte(doc), 0o644))

	mock := provider.NewMockProvider(16)
	mock.Responses = []string{
		`{"triples": [
			{"subject": "Alice", "subject_type": "person", "predicate": "works_at", "object": "Acme Corp", "object_type": "organization"},
			{"subject": "Acme Corp", "subject_type": "organization", "predicate": "located_in", "object": "Berlin", "object_type": "location"}
		]}`,
	}
	backend := store.NewMemoryBackend(nil)
	blobStore := blob.NewLocalStore(dir, nil)
	registry := extract.NewRegistry(nil)
	chunker := chunk.New(chunk.DefaultConfig(), chunk.NewEstimatorTokenizer(), nil)
	enricher := enrich.New(enrich.DefaultConfig(), mock, mock, nil)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("knowledgecore", reg, nil)
	builder := graph.NewBuilder(graph.DefaultConfig(), mock, backend, nil).WithMetrics(collector)

	o := New(fastConfig(), blobStore, registry, chunker, enricher, builder, backend, nil).WithMetrics(collector)
	t.Cleanup(func() {
		o.Close()
		enricher.Close()
	})

	ctx := context.Background()
	chainID, err := o.Submit(ctx, "kb1", "team", "team.md", "md")
	require.NoError(t, err)
	waitState(t, o, chainID, types.TaskSucceeded)

	r := retrieve.New(retrieve.DefaultConfig(), mock, mock, backend, nil).WithMetrics(collector)
	res, err := r.Retrieve(ctx, &retrieve.Request{
		KnowledgeBaseID: "kb1",
		Query:           "Where does Alice work",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)

	// 直接命中必须包含 Alice 所在的 chunk
	var found bool
	for _, hit := range res.Chunks {
		if strings.Contains(hit.Chunk.Content, "Alice") {
			found = true
		}
	}
	assert.True(t, found, "the chunk mentioning Alice must be retrieved")

	// 图谱扩展应识别出查询中的实体
	require.NotEmpty(t, res.Entities)
	names := make([]string, len(res.Entities))
	for i, e := range res.Entities {
		names[i] = e.Name
	}
	assert.Contains(t, names, "Alice")

	// 跨知识库不可见
	other, err := r.Retrieve(ctx, &retrieve.Request{KnowledgeBaseID: "kb2", Query: "Alice"})
	require.NoError(t, err)
	assert.Empty(t, other.Chunks)

	// 摄取与检索均应留下指标
	families, err := reg.Gather()
	require.NoError(t, err)
	got := make(map[string]bool, len(families))
	for _, mf := range families {
		got[mf.GetName()] = true
	}
	assert.True(t, got["knowledgecore_ingest_total"])
	assert.True(t, got["knowledgecore_stage_duration_seconds"])
	assert.True(t, got["knowledgecore_queries_total"])
	assert.True(t, got["knowledgecore_graph_entities_merged_total"])
}
