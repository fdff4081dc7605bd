// Package store 定义索引存储后端抽象及各后端共享的合并与打分逻辑。
//
// 一个 Backend 同时承载四类数据：文档元信息、chunk（含向量）、
// 全文检索与知识图谱。四个实现（memory / redis / gorm / mongo）
// 共用本包的合并辅助函数，保证图谱幂等合并语义在所有引擎上一致。
package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/BaSui01/knowledgecore/types"
)

// Backend 索引存储后端。实现必须并发安全。
type Backend interface {
	// ===== 文档 =====

	PutDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, kb, docID string) (*types.Document, error)
	ListDocuments(ctx context.Context, kb string) ([]types.Document, error)
	// DeleteDocument 删除文档及其全部 chunk，并从图谱中剪除其来源。
	DeleteDocument(ctx context.Context, kb, docID string) error

	// ===== Chunk =====

	UpsertChunks(ctx context.Context, chunks []types.Chunk) error
	GetChunks(ctx context.Context, kb string, ids []string) ([]types.Chunk, error)
	ListChunks(ctx context.Context, kb, docID string, version int) ([]types.Chunk, error)
	// PromoteVersion 原子切换文档的检索可见版本并清理旧版本 chunk。
	// 切换前旧版本持续可检索，重建过程对查询不可见。
	PromoteVersion(ctx context.Context, kb, docID string, version int) error

	// ===== 检索 =====

	// VectorSearch 余弦相似度 Top-K。只返回当前可见版本的 chunk。
	VectorSearch(ctx context.Context, kb string, vector []float64, topK int) ([]types.ScoredChunk, error)
	// TextSearch 词法相关性 Top-K。只返回当前可见版本的 chunk。
	TextSearch(ctx context.Context, kb, query string, topK int) ([]types.ScoredChunk, error)

	// ===== 图谱 =====

	// UpsertGraph 合并实体与关系。按 TripleHash 幂等：
	// 重放同一抽取结果不改变任何权重或来源集合。
	UpsertGraph(ctx context.Context, kb string, entities []types.Entity, relations []types.Relation) error
	// FindEntities 按规范化名称查实体（忽略类型维度）。
	FindEntities(ctx context.Context, kb string, names []string) ([]types.Entity, error)
	// Neighbors 从种子实体出发 BFS 不超过 hops 跳，返回途经的关系。
	Neighbors(ctx context.Context, kb string, entityKeys []string, hops int) ([]types.Relation, error)
	// PruneGraph 剪除指定文档贡献的来源；来源清空的关系与实体随之删除。
	PruneGraph(ctx context.Context, kb, docID string) error

	Close() error
}

// ===== 📦 共享合并逻辑 =====

// MergeEntity 将 src 并入 dst：并集别名与来源，保留首个非空描述。
func MergeEntity(dst *types.Entity, src types.Entity) {
	if dst.Description == "" {
		dst.Description = src.Description
	}
	seen := make(map[string]bool, len(dst.Aliases))
	for _, a := range dst.Aliases {
		seen[a] = true
	}
	for _, a := range src.Aliases {
		if a != dst.Name && !seen[a] {
			dst.Aliases = append(dst.Aliases, a)
			seen[a] = true
		}
	}
	dst.Provenance = mergeRefs(dst.Provenance, src.Provenance)
}

// MergeRelation 将 src 并入 dst：按 TripleHash 并集来源，权重为去重后来源数。
// 同一抽取结果重放不改变任何状态。
func MergeRelation(dst *types.Relation, src types.Relation) {
	dst.Provenance = mergeRefs(dst.Provenance, src.Provenance)
	dst.Weight = float64(len(dst.Provenance))
}

func mergeRefs(dst, src []types.ChunkRef) []types.ChunkRef {
	seen := make(map[string]bool, len(dst))
	for _, r := range dst {
		seen[refKey(r)] = true
	}
	for _, r := range src {
		if !seen[refKey(r)] {
			dst = append(dst, r)
			seen[refKey(r)] = true
		}
	}
	sort.Slice(dst, func(i, j int) bool { return refKey(dst[i]) < refKey(dst[j]) })
	return dst
}

func refKey(r types.ChunkRef) string {
	if r.TripleHash != "" {
		return r.TripleHash
	}
	return r.DocumentID + "\x00" + r.ChunkID
}

// PruneDocRefs 去除来自指定文档的来源。
func PruneDocRefs(refs []types.ChunkRef, docID string) []types.ChunkRef {
	kept := refs[:0]
	for _, r := range refs {
		if r.DocumentID != docID {
			kept = append(kept, r)
		}
	}
	return kept
}

// ===== 📦 共享打分逻辑 =====

// CosineSimilarity 余弦相似度。维度不一致或零向量返回 0。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TokenizeQuery 切分为小写词元：连续字母数字为一词，CJK 逐字成词。
func TokenizeQuery(text string) []string {
	var terms []string
	var sb strings.Builder

	flush := func() {
		if sb.Len() > 0 {
			terms = append(terms, sb.String())
			sb.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			terms = append(terms, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return terms
}

// LexicalScore 查询词与文本的词法相关性，范围 [0,1]。
// 逐查询词做 tf 饱和（BM25 风格），再按查询词数归一。
func LexicalScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	tf := make(map[string]int)
	for _, t := range TokenizeQuery(content) {
		tf[t]++
	}
	var score float64
	for _, q := range queryTerms {
		if n := tf[q]; n > 0 {
			score += float64(n) / (float64(n) + 1.2)
		}
	}
	return score / float64(len(queryTerms))
}

// WalkNeighbors 在关系表上从种子实体 BFS 不超过 hops 跳。
// 返回途经关系，按关系键排序。各后端把全量关系载入后复用同一遍历。
func WalkNeighbors(relations map[string]*types.Relation, entityKeys []string, hops int) []types.Relation {
	frontier := make(map[string]bool, len(entityKeys))
	for _, key := range entityKeys {
		frontier[key] = true
	}
	visited := make(map[string]bool)
	seen := make(map[string]bool)
	var out []types.Relation

	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		next := make(map[string]bool)
		for relKey, r := range relations {
			if seen[relKey] {
				continue
			}
			var other string
			switch {
			case frontier[r.SourceKey]:
				other = r.TargetKey
			case frontier[r.TargetKey]:
				other = r.SourceKey
			default:
				continue
			}
			seen[relKey] = true
			out = append(out, *r)
			if !visited[other] && !frontier[other] {
				next[other] = true
			}
		}
		for key := range frontier {
			visited[key] = true
		}
		frontier = next
	}

	sort.Slice(out, func(i, j int) bool {
		return types.RelationKey(out[i].SourceKey, out[i].TargetKey, out[i].Type) <
			types.RelationKey(out[j].SourceKey, out[j].TargetKey, out[j].Type)
	})
	return out
}

// ===== 📦 共享排序 =====

// SortDocuments 按 ID 升序。
func SortDocuments(docs []types.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// SortChunksByID 按 ID 升序。
func SortChunksByID(chunks []types.Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
}

// SortChunksBySeq 按文档内顺序升序。
func SortChunksBySeq(chunks []types.Chunk) {
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Seq < chunks[j].Seq })
}

// SortEntities 按规范键升序。
func SortEntities(entities []types.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].Key < entities[j].Key })
}

// TopK 按分数降序取前 k 个；同分先取较新版本，再按 chunk ID 升序，保证确定性。
func TopK(hits []types.ScoredChunk, k int) []types.ScoredChunk {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Chunk.DocumentVersion != hits[j].Chunk.DocumentVersion {
			return hits[i].Chunk.DocumentVersion > hits[j].Chunk.DocumentVersion
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
