package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/knowledgecore/chunk"
	"github.com/BaSui01/knowledgecore/enrich"
	"github.com/BaSui01/knowledgecore/graph"
	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

const tripleResponse = `{"triples": [
	{"subject": "Alice", "subject_type": "person", "predicate": "works_at", "object": "Acme Corp", "object_type": "organization"}
]}`

// fakeBlob 内存 blob，读取可注入失败或阻塞
type fakeBlob struct {
	data     map[string][]byte
	failures atomic.Int32
	failWith error
	reads    atomic.Int32
	block    chan struct{}
}

func (f *fakeBlob) Read(ctx context.Context, ref string) ([]byte, error) {
	f.reads.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTaskCancelled, "read interrupted").WithCause(ctx.Err())
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, f.failWith
	}
	b, ok := f.data[ref]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "no blob "+ref)
	}
	return b, nil
}

// stubExtractor 把整个输入当一个段落块
type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, data []byte, format string) ([]types.Block, error) {
	if len(data) == 0 {
		return nil, types.NewError(types.ErrEmptyInput, "empty document")
	}
	return []types.Block{{Kind: types.BlockText, Content: string(data), Confidence: 1.0}}, nil
}

type testEnv struct {
	o        *Orchestrator
	blob     *fakeBlob
	backend  *store.MemoryBackend
	enricher *enrich.Enricher
}

func newEnv(t *testing.T, cfg Config, blob *fakeBlob) *testEnv {
	t.Helper()
	mock := provider.NewMockProvider(8)
	mock.Responses = []string{tripleResponse}
	backend := store.NewMemoryBackend(nil)
	chunker := chunk.New(chunk.DefaultConfig(), chunk.NewEstimatorTokenizer(), nil)
	enricher := enrich.New(enrich.DefaultConfig(), mock, mock, nil)
	builder := graph.NewBuilder(graph.DefaultConfig(), mock, backend, nil)

	o := New(cfg, blob, stubExtractor{}, chunker, enricher, builder, backend, nil)
	t.Cleanup(func() {
		o.Close()
		enricher.Close()
	})
	return &testEnv{o: o, blob: blob, backend: backend, enricher: enricher}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.StageTimeout = 5 * time.Second
	return cfg
}

func waitState(t *testing.T, o *Orchestrator, chainID string, want types.TaskState) *ChainStatus {
	t.Helper()
	var last *ChainStatus
	require.Eventually(t, func() bool {
		s, err := o.Status(chainID)
		if err != nil {
			return false
		}
		last = s
		return s.State == want
	}, 10*time.Second, 10*time.Millisecond, "chain never reached %s", want)
	return last
}

func TestIngestEndToEnd(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{
		"docs/a.txt": []byte("Alice works at Acme Corp. The company builds widgets."),
	}}
	env := newEnv(t, fastConfig(), blob)
	ctx := context.Background()

	chainID, err := env.o.Submit(ctx, "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)

	status := waitState(t, env.o, chainID, types.TaskSucceeded)
	require.Len(t, status.Tasks, len(types.Stages))
	assert.Equal(t, 1.0, status.Progress)
	for _, task := range status.Tasks {
		assert.Equal(t, types.TaskSucceeded, task.State, "stage %s", task.Stage)
	}

	doc, err := env.backend.GetDocument(ctx, "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, doc.Status)
	assert.Equal(t, 1, doc.Version)

	chunks, err := env.backend.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.NotEmpty(t, chunks[0].Embedding, "index stage must persist enriched chunks")

	entities, err := env.backend.FindEntities(ctx, "kb1", []string{"Alice"})
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestReingestBumpsVersionAndCleansStale(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{
		"docs/a.txt": []byte("first revision of the document"),
	}}
	env := newEnv(t, fastConfig(), blob)
	ctx := context.Background()

	first, err := env.o.Submit(ctx, "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)
	waitState(t, env.o, first, types.TaskSucceeded)

	blob.data["docs/a.txt"] = []byte("second revision with new content")
	second, err := env.o.Submit(ctx, "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)
	waitState(t, env.o, second, types.TaskSucceeded)

	doc, err := env.backend.GetDocument(ctx, "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Version)

	stale, err := env.backend.ListChunks(ctx, "kb1", "d1", 1)
	require.NoError(t, err)
	assert.Empty(t, stale, "promotion must clean superseded version")

	live, err := env.backend.ListChunks(ctx, "kb1", "d1", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, live)

	// 图谱随重建收敛：权重仍为 1，来源只指向新版本的 chunk
	rels, err := env.backend.Neighbors(ctx, "kb1", []string{"alice|person"}, 1)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 1.0, rels[0].Weight)
	require.Len(t, rels[0].Provenance, 1)
	assert.Contains(t, rels[0].Provenance[0].ChunkID, ":v2:")
}

func TestTerminalErrorFailsWithoutRetry(t *testing.T) {
	blob := &fakeBlob{
		data:     map[string][]byte{},
		failWith: types.NewError(types.ErrCorruptInput, "broken file"),
	}
	blob.failures.Store(100)
	env := newEnv(t, fastConfig(), blob)

	chainID, err := env.o.Submit(context.Background(), "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)

	status := waitState(t, env.o, chainID, types.TaskFailed)
	extract := status.Tasks[0]
	assert.Equal(t, types.StageExtract, extract.Stage)
	assert.Equal(t, 1, extract.Attempts, "terminal errors must not be retried")
	assert.Equal(t, types.ErrCorruptInput, extract.LastErrorCode)

	doc, err := env.backend.GetDocument(context.Background(), "kb1", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, doc.Status)
	assert.NotEmpty(t, doc.LastError)
}

func TestRetryableErrorRecovers(t *testing.T) {
	blob := &fakeBlob{
		data:     map[string][]byte{"docs/a.txt": []byte("recoverable content here")},
		failWith: types.NewError(types.ErrStoreTimeout, "flaky read"),
	}
	blob.failures.Store(2)
	env := newEnv(t, fastConfig(), blob)

	chainID, err := env.o.Submit(context.Background(), "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)

	status := waitState(t, env.o, chainID, types.TaskSucceeded)
	assert.Equal(t, 3, status.Tasks[0].Attempts)
}

func TestRetriesExhaustedFailsChain(t *testing.T) {
	blob := &fakeBlob{
		data:     map[string][]byte{"docs/a.txt": []byte("never reached")},
		failWith: types.NewError(types.ErrStoreTimeout, "always flaky"),
	}
	blob.failures.Store(1000)
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	env := newEnv(t, cfg, blob)

	chainID, err := env.o.Submit(context.Background(), "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)

	status := waitState(t, env.o, chainID, types.TaskFailed)
	assert.Equal(t, 2, status.Tasks[0].Attempts)
}

func TestCancelRunningChain(t *testing.T) {
	blob := &fakeBlob{
		data:  map[string][]byte{"docs/a.txt": []byte("blocked content")},
		block: make(chan struct{}),
	}
	env := newEnv(t, fastConfig(), blob)

	chainID, err := env.o.Submit(context.Background(), "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)

	// 等 worker 真正进入 extract 阶段再取消
	require.Eventually(t, func() bool { return blob.reads.Load() > 0 },
		5*time.Second, 5*time.Millisecond)
	require.NoError(t, env.o.Cancel(chainID))

	status := waitState(t, env.o, chainID, types.TaskFailed)
	assert.Equal(t, types.ErrTaskCancelled, status.Tasks[0].LastErrorCode)
}

func TestQueueFullRejectsSubmit(t *testing.T) {
	blob := &fakeBlob{
		data:  map[string][]byte{"docs/a.txt": []byte("content")},
		block: make(chan struct{}),
	}
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	env := newEnv(t, cfg, blob)
	defer close(blob.block)
	ctx := context.Background()

	_, err := env.o.Submit(ctx, "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)
	// 确认 worker 已取走第一条，队列空出一格
	require.Eventually(t, func() bool { return blob.reads.Load() > 0 },
		5*time.Second, 5*time.Millisecond)

	_, err = env.o.Submit(ctx, "kb1", "d2", "docs/a.txt", "text")
	require.NoError(t, err)

	_, err = env.o.Submit(ctx, "kb1", "d3", "docs/a.txt", "text")
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err), "queue pressure is transient")
}

func TestSubmitValidation(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{}}
	env := newEnv(t, fastConfig(), blob)

	_, err := env.o.Submit(context.Background(), "", "d1", "ref", "text")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	_, err = env.o.Submit(context.Background(), "kb1", "d1", "", "text")
	require.Error(t, err)
}

func TestSubmitAfterCloseRejected(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{}}
	mock := provider.NewMockProvider(8)
	backend := store.NewMemoryBackend(nil)
	chunker := chunk.New(chunk.DefaultConfig(), chunk.NewEstimatorTokenizer(), nil)
	enricher := enrich.New(enrich.DefaultConfig(), mock, mock, nil)
	defer enricher.Close()
	builder := graph.NewBuilder(graph.DefaultConfig(), mock, backend, nil)

	o := New(fastConfig(), blob, stubExtractor{}, chunker, enricher, builder, backend, nil)
	o.Close()

	_, err := o.Submit(context.Background(), "kb1", "d1", "ref", "text")
	require.Error(t, err)
	assert.Equal(t, types.ErrTaskCancelled, types.GetErrorCode(err))
}

func TestDeleteDocumentCascades(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{
		"docs/a.txt": []byte("Alice works at Acme Corp"),
	}}
	env := newEnv(t, fastConfig(), blob)
	ctx := context.Background()

	chainID, err := env.o.Submit(ctx, "kb1", "d1", "docs/a.txt", "text")
	require.NoError(t, err)
	waitState(t, env.o, chainID, types.TaskSucceeded)

	require.NoError(t, env.o.DeleteDocument(ctx, "kb1", "d1"))

	_, err = env.backend.GetDocument(ctx, "kb1", "d1")
	require.Error(t, err)
	entities, err := env.backend.FindEntities(ctx, "kb1", []string{"Alice"})
	require.NoError(t, err)
	assert.Empty(t, entities, "graph provenance must be pruned with the document")
}

func TestStatusUnknownChain(t *testing.T) {
	blob := &fakeBlob{data: map[string][]byte{}}
	env := newEnv(t, fastConfig(), blob)
	_, err := env.o.Status("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
