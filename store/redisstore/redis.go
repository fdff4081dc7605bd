// Package redisstore Redis 存储后端。
//
// 文档、chunk、实体与关系分别存在按知识库划分的 Hash 中，值为 JSON。
// 图谱合并是读改写序列，由进程内互斥锁串行化；多写者部署需在
// 上层保证同一知识库单写者（管线的每文档任务链天然满足）。
package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// Config Redis 后端配置。
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	KeyPrefix    string
}

// Backend Redis 存储后端。
type Backend struct {
	client *redis.Client
	prefix string
	mu     sync.Mutex // 图谱读改写串行化
	logger *zap.Logger
}

// New 创建 Redis 后端并校验连通性。
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to connect to redis").WithCause(err)
	}

	return NewWithClient(client, cfg.KeyPrefix, logger), nil
}

// NewWithClient 用现成客户端创建后端（测试注入 miniredis）。
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "kc:"
	}
	return &Backend{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

// ===== 📦 键布局 =====

func (b *Backend) docsKey(kb string) string { return b.prefix + kb + ":docs" }

func (b *Backend) chunksKey(kb, docID string, version int) string {
	return b.prefix + kb + ":chunks:" + docID + ":" + strconv.Itoa(version)
}

func (b *Backend) versionsKey(kb, docID string) string {
	return b.prefix + kb + ":chunkvers:" + docID
}

func (b *Backend) entitiesKey(kb string) string  { return b.prefix + kb + ":entities" }
func (b *Backend) relationsKey(kb string) string { return b.prefix + kb + ":relations" }

func storeErr(msg string, err error) error {
	return types.NewError(types.ErrStoreError, msg).WithCause(err)
}

// ===== 📦 文档 =====

func (b *Backend) PutDocument(ctx context.Context, doc *types.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return storeErr("marshal document", err)
	}
	if err := b.client.HSet(ctx, b.docsKey(doc.KnowledgeBaseID), doc.ID, data).Err(); err != nil {
		return storeErr("put document", err)
	}
	return nil
}

func (b *Backend) GetDocument(ctx context.Context, kb, docID string) (*types.Document, error) {
	data, err := b.client.HGet(ctx, b.docsKey(kb), docID).Result()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	if err != nil {
		return nil, storeErr("get document", err)
	}
	var doc types.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, storeErr("unmarshal document", err)
	}
	return &doc, nil
}

func (b *Backend) ListDocuments(ctx context.Context, kb string) ([]types.Document, error) {
	all, err := b.client.HGetAll(ctx, b.docsKey(kb)).Result()
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	out := make([]types.Document, 0, len(all))
	for _, raw := range all {
		var doc types.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, storeErr("unmarshal document", err)
		}
		out = append(out, doc)
	}
	store.SortDocuments(out)
	return out, nil
}

func (b *Backend) DeleteDocument(ctx context.Context, kb, docID string) error {
	removed, err := b.client.HDel(ctx, b.docsKey(kb), docID).Result()
	if err != nil {
		return storeErr("delete document", err)
	}
	if removed == 0 {
		return types.NewError(types.ErrNotFound, "document not found: "+docID)
	}

	versions, err := b.client.SMembers(ctx, b.versionsKey(kb, docID)).Result()
	if err != nil {
		return storeErr("list chunk versions", err)
	}
	keys := []string{b.versionsKey(kb, docID)}
	for _, v := range versions {
		ver, _ := strconv.Atoi(v)
		keys = append(keys, b.chunksKey(kb, docID, ver))
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("delete chunks", err)
	}
	return b.PruneGraph(ctx, kb, docID)
}

// ===== 📦 Chunk =====

func (b *Backend) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, ch := range chunks {
		data, err := json.Marshal(ch)
		if err != nil {
			return storeErr("marshal chunk", err)
		}
		pipe.HSet(ctx, b.chunksKey(ch.KnowledgeBaseID, ch.DocumentID, ch.DocumentVersion), ch.ID, data)
		pipe.SAdd(ctx, b.versionsKey(ch.KnowledgeBaseID, ch.DocumentID), strconv.Itoa(ch.DocumentVersion))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("upsert chunks", err)
	}
	return nil
}

func (b *Backend) GetChunks(ctx context.Context, kb string, ids []string) ([]types.Chunk, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []types.Chunk
	err := b.forEachChunk(ctx, kb, false, func(ch types.Chunk) {
		if want[ch.ID] {
			out = append(out, ch)
		}
	})
	if err != nil {
		return nil, err
	}
	store.SortChunksByID(out)
	return out, nil
}

func (b *Backend) ListChunks(ctx context.Context, kb, docID string, version int) ([]types.Chunk, error) {
	all, err := b.client.HGetAll(ctx, b.chunksKey(kb, docID, version)).Result()
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	out := make([]types.Chunk, 0, len(all))
	for _, raw := range all {
		var ch types.Chunk
		if err := json.Unmarshal([]byte(raw), &ch); err != nil {
			return nil, storeErr("unmarshal chunk", err)
		}
		out = append(out, ch)
	}
	store.SortChunksBySeq(out)
	return out, nil
}

func (b *Backend) PromoteVersion(ctx context.Context, kb, docID string, version int) error {
	doc, err := b.GetDocument(ctx, kb, docID)
	if err != nil {
		return err
	}
	doc.Version = version
	doc.UpdatedAt = time.Now()
	if err := b.PutDocument(ctx, doc); err != nil {
		return err
	}

	versions, err := b.client.SMembers(ctx, b.versionsKey(kb, docID)).Result()
	if err != nil {
		return storeErr("list chunk versions", err)
	}
	for _, v := range versions {
		ver, _ := strconv.Atoi(v)
		if ver == version {
			continue
		}
		if err := b.client.Del(ctx, b.chunksKey(kb, docID, ver)).Err(); err != nil {
			return storeErr("drop stale version", err)
		}
		if err := b.client.SRem(ctx, b.versionsKey(kb, docID), v).Err(); err != nil {
			return storeErr("drop stale version marker", err)
		}
	}
	return nil
}

// forEachChunk 遍历知识库内的 chunk。visibleOnly 时只访问文档当前版本。
func (b *Backend) forEachChunk(ctx context.Context, kb string, visibleOnly bool, fn func(ch types.Chunk)) error {
	docs, err := b.ListDocuments(ctx, kb)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		versions := []int{doc.Version}
		if !visibleOnly {
			raw, err := b.client.SMembers(ctx, b.versionsKey(kb, doc.ID)).Result()
			if err != nil {
				return storeErr("list chunk versions", err)
			}
			versions = versions[:0]
			for _, v := range raw {
				ver, _ := strconv.Atoi(v)
				versions = append(versions, ver)
			}
		}
		for _, ver := range versions {
			all, err := b.client.HGetAll(ctx, b.chunksKey(kb, doc.ID, ver)).Result()
			if err != nil {
				return storeErr("load chunks", err)
			}
			for _, raw := range all {
				var ch types.Chunk
				if err := json.Unmarshal([]byte(raw), &ch); err != nil {
					return storeErr("unmarshal chunk", err)
				}
				fn(ch)
			}
		}
	}
	return nil
}

// ===== 📦 检索 =====

func (b *Backend) VectorSearch(ctx context.Context, kb string, vector []float64, topK int) ([]types.ScoredChunk, error) {
	var hits []types.ScoredChunk
	err := b.forEachChunk(ctx, kb, true, func(ch types.Chunk) {
		score := store.CosineSimilarity(vector, ch.Embedding)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{Chunk: ch, Score: score, VectorScore: score, Source: "vector"})
		}
	})
	if err != nil {
		return nil, err
	}
	return store.TopK(hits, topK), nil
}

func (b *Backend) TextSearch(ctx context.Context, kb, query string, topK int) ([]types.ScoredChunk, error) {
	terms := store.TokenizeQuery(query)
	var hits []types.ScoredChunk
	err := b.forEachChunk(ctx, kb, true, func(ch types.Chunk) {
		score := store.LexicalScore(terms, ch.Content)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{Chunk: ch, Score: score, LexicalScore: score, Source: "lexical"})
		}
	})
	if err != nil {
		return nil, err
	}
	return store.TopK(hits, topK), nil
}

// ===== 📦 图谱 =====

func (b *Backend) UpsertGraph(ctx context.Context, kb string, entities []types.Entity, relations []types.Relation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range entities {
		existing, err := b.loadEntity(ctx, kb, e.Key)
		if err != nil {
			return err
		}
		if existing != nil {
			store.MergeEntity(existing, e)
			e = *existing
		}
		if err := b.saveHash(ctx, b.entitiesKey(kb), e.Key, e); err != nil {
			return err
		}
	}
	for _, r := range relations {
		key := types.RelationKey(r.SourceKey, r.TargetKey, r.Type)
		existing, err := b.loadRelation(ctx, kb, key)
		if err != nil {
			return err
		}
		if existing != nil {
			store.MergeRelation(existing, r)
			r = *existing
		} else {
			r.Weight = float64(len(r.Provenance))
		}
		if err := b.saveHash(ctx, b.relationsKey(kb), key, r); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) loadEntity(ctx context.Context, kb, key string) (*types.Entity, error) {
	data, err := b.client.HGet(ctx, b.entitiesKey(kb), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load entity", err)
	}
	var e types.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, storeErr("unmarshal entity", err)
	}
	return &e, nil
}

func (b *Backend) loadRelation(ctx context.Context, kb, key string) (*types.Relation, error) {
	data, err := b.client.HGet(ctx, b.relationsKey(kb), key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("load relation", err)
	}
	var r types.Relation
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, storeErr("unmarshal relation", err)
	}
	return &r, nil
}

func (b *Backend) saveHash(ctx context.Context, key, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storeErr("marshal graph element", err)
	}
	if err := b.client.HSet(ctx, key, field, data).Err(); err != nil {
		return storeErr("save graph element", err)
	}
	return nil
}

func (b *Backend) allRelations(ctx context.Context, kb string) (map[string]*types.Relation, error) {
	all, err := b.client.HGetAll(ctx, b.relationsKey(kb)).Result()
	if err != nil {
		return nil, storeErr("load relations", err)
	}
	out := make(map[string]*types.Relation, len(all))
	for key, raw := range all {
		var r types.Relation
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, storeErr("unmarshal relation", err)
		}
		out[key] = &r
	}
	return out, nil
}

func (b *Backend) FindEntities(ctx context.Context, kb string, names []string) ([]types.Entity, error) {
	all, err := b.client.HGetAll(ctx, b.entitiesKey(kb)).Result()
	if err != nil {
		return nil, storeErr("load entities", err)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[types.CanonicalName(n)] = true
	}
	var out []types.Entity
	for _, raw := range all {
		var e types.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, storeErr("unmarshal entity", err)
		}
		if matchEntity(&e, want) {
			out = append(out, e)
		}
	}
	store.SortEntities(out)
	return out, nil
}

func matchEntity(e *types.Entity, want map[string]bool) bool {
	if want[types.CanonicalName(e.Name)] {
		return true
	}
	for _, a := range e.Aliases {
		if want[types.CanonicalName(a)] {
			return true
		}
	}
	return false
}

func (b *Backend) Neighbors(ctx context.Context, kb string, entityKeys []string, hops int) ([]types.Relation, error) {
	relations, err := b.allRelations(ctx, kb)
	if err != nil {
		return nil, err
	}
	return store.WalkNeighbors(relations, entityKeys, hops), nil
}

func (b *Backend) PruneGraph(ctx context.Context, kb, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	relations, err := b.allRelations(ctx, kb)
	if err != nil {
		return err
	}
	for key, r := range relations {
		before := len(r.Provenance)
		r.Provenance = store.PruneDocRefs(r.Provenance, docID)
		r.Weight = float64(len(r.Provenance))
		switch {
		case len(r.Provenance) == 0:
			if err := b.client.HDel(ctx, b.relationsKey(kb), key).Err(); err != nil {
				return storeErr("prune relation", err)
			}
		case len(r.Provenance) != before:
			if err := b.saveHash(ctx, b.relationsKey(kb), key, r); err != nil {
				return err
			}
		}
	}

	all, err := b.client.HGetAll(ctx, b.entitiesKey(kb)).Result()
	if err != nil {
		return storeErr("load entities", err)
	}
	for key, raw := range all {
		var e types.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return storeErr("unmarshal entity", err)
		}
		before := len(e.Provenance)
		e.Provenance = store.PruneDocRefs(e.Provenance, docID)
		switch {
		case len(e.Provenance) == 0:
			if err := b.client.HDel(ctx, b.entitiesKey(kb), key).Err(); err != nil {
				return storeErr("prune entity", err)
			}
		case len(e.Provenance) != before:
			if err := b.saveHash(ctx, b.entitiesKey(kb), key, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.client.Close() }
