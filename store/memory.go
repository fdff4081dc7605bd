package store

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

// MemoryBackend 进程内存储后端。参考实现，亦用于测试与单机部署。
type MemoryBackend struct {
	mu     sync.RWMutex
	kbs    map[string]*memKB
	logger *zap.Logger
}

type memKB struct {
	docs      map[string]*types.Document
	chunks    map[string]map[int][]types.Chunk // docID -> version -> chunks (seq 有序)
	entities  map[string]*types.Entity         // entity key
	relations map[string]*types.Relation       // relation key
}

// NewMemoryBackend 创建内存后端。
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		kbs:    make(map[string]*memKB),
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

// emptyKB 只读路径上未知知识库的替身，永不写入。
var emptyKB = &memKB{}

// view 只读访问：未知知识库返回空替身，不改写 kbs 表。
func (m *MemoryBackend) view(name string) *memKB {
	if k, ok := m.kbs[name]; ok {
		return k
	}
	return emptyKB
}

func (m *MemoryBackend) kb(name string) *memKB {
	k, ok := m.kbs[name]
	if !ok {
		k = &memKB{
			docs:      make(map[string]*types.Document),
			chunks:    make(map[string]map[int][]types.Chunk),
			entities:  make(map[string]*types.Entity),
			relations: make(map[string]*types.Relation),
		}
		m.kbs[name] = k
	}
	return k
}

// ===== 📦 文档 =====

func (m *MemoryBackend) PutDocument(ctx context.Context, doc *types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.kb(doc.KnowledgeBaseID).docs[doc.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetDocument(ctx context.Context, kb, docID string) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.view(kb).docs[docID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	cp := *doc
	return &cp, nil
}

func (m *MemoryBackend) ListDocuments(ctx context.Context, kb string) ([]types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := m.view(kb)
	out := make([]types.Document, 0, len(k.docs))
	for _, d := range k.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) DeleteDocument(ctx context.Context, kb, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kb(kb)
	if _, ok := k.docs[docID]; !ok {
		return types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	delete(k.docs, docID)
	delete(k.chunks, docID)
	pruneGraphLocked(k, docID)
	return nil
}

// ===== 📦 Chunk =====

func (m *MemoryBackend) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chunks {
		k := m.kb(ch.KnowledgeBaseID)
		versions, ok := k.chunks[ch.DocumentID]
		if !ok {
			versions = make(map[int][]types.Chunk)
			k.chunks[ch.DocumentID] = versions
		}
		list := versions[ch.DocumentVersion]
		replaced := false
		for i := range list {
			if list[i].ID == ch.ID {
				list[i] = ch
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, ch)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
		versions[ch.DocumentVersion] = list
	}
	return nil
}

func (m *MemoryBackend) GetChunks(ctx context.Context, kb string, ids []string) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []types.Chunk
	for _, versions := range m.view(kb).chunks {
		for _, list := range versions {
			for _, ch := range list {
				if want[ch.ID] {
					out = append(out, ch)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) ListChunks(ctx context.Context, kb, docID string, version int) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions, ok := m.view(kb).chunks[docID]
	if !ok {
		return nil, nil
	}
	list := versions[version]
	out := make([]types.Chunk, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryBackend) PromoteVersion(ctx context.Context, kb, docID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kb(kb)
	doc, ok := k.docs[docID]
	if !ok {
		return types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	doc.Version = version
	if versions, ok := k.chunks[docID]; ok {
		for v := range versions {
			if v != version {
				delete(versions, v)
			}
		}
	}
	return nil
}

// ===== 📦 检索 =====

// visibleChunks 遍历当前可见版本的全部 chunk。
func (k *memKB) visibleChunks(fn func(ch types.Chunk)) {
	for docID, versions := range k.chunks {
		doc, ok := k.docs[docID]
		if !ok {
			continue
		}
		for _, ch := range versions[doc.Version] {
			fn(ch)
		}
	}
}

func (m *MemoryBackend) VectorSearch(ctx context.Context, kb string, vector []float64, topK int) ([]types.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []types.ScoredChunk
	m.view(kb).visibleChunks(func(ch types.Chunk) {
		score := CosineSimilarity(vector, ch.Embedding)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{
				Chunk: ch, Score: score, VectorScore: score, Source: "vector",
			})
		}
	})
	return TopK(hits, topK), nil
}

func (m *MemoryBackend) TextSearch(ctx context.Context, kb, query string, topK int) ([]types.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	terms := TokenizeQuery(query)
	var hits []types.ScoredChunk
	m.view(kb).visibleChunks(func(ch types.Chunk) {
		score := LexicalScore(terms, ch.Content)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{
				Chunk: ch, Score: score, LexicalScore: score, Source: "lexical",
			})
		}
	})
	return TopK(hits, topK), nil
}

// ===== 📦 图谱 =====

func (m *MemoryBackend) UpsertGraph(ctx context.Context, kb string, entities []types.Entity, relations []types.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kb(kb)
	for _, e := range entities {
		if existing, ok := k.entities[e.Key]; ok {
			MergeEntity(existing, e)
		} else {
			cp := e
			k.entities[e.Key] = &cp
		}
	}
	for _, r := range relations {
		key := types.RelationKey(r.SourceKey, r.TargetKey, r.Type)
		if existing, ok := k.relations[key]; ok {
			MergeRelation(existing, r)
		} else {
			cp := r
			cp.Weight = float64(len(cp.Provenance))
			k.relations[key] = &cp
		}
	}
	return nil
}

func (m *MemoryBackend) FindEntities(ctx context.Context, kb string, names []string) ([]types.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[types.CanonicalName(n)] = true
	}
	var out []types.Entity
	for _, e := range m.view(kb).entities {
		if want[types.CanonicalName(e.Name)] {
			out = append(out, *e)
			continue
		}
		for _, a := range e.Aliases {
			if want[types.CanonicalName(a)] {
				out = append(out, *e)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryBackend) Neighbors(ctx context.Context, kb string, entityKeys []string, hops int) ([]types.Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return WalkNeighbors(m.view(kb).relations, entityKeys, hops), nil
}

func (m *MemoryBackend) PruneGraph(ctx context.Context, kb, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruneGraphLocked(m.kb(kb), docID)
	return nil
}

// pruneGraphLocked 删除 docID 贡献的来源；来源清空的关系与实体随之消失。
func pruneGraphLocked(k *memKB, docID string) {
	for key, r := range k.relations {
		r.Provenance = PruneDocRefs(r.Provenance, docID)
		r.Weight = float64(len(r.Provenance))
		if len(r.Provenance) == 0 {
			delete(k.relations, key)
		}
	}
	for key, e := range k.entities {
		e.Provenance = PruneDocRefs(e.Provenance, docID)
		if len(e.Provenance) == 0 {
			delete(k.entities, key)
		}
	}
}

func (m *MemoryBackend) Close() error { return nil }
