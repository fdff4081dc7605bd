package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Entity 知识图谱节点。按 (规范化名称, 类型) 去重，
// 跨块跨文档合并时并入别名与来源。
type Entity struct {
	Key         string    `json:"key"` // canonical key: normalize(name) + "|" + type
	Name        string    `json:"name"`
	Type        string    `json:"type"` // person, organization, location, concept...
	Aliases     []string  `json:"aliases,omitempty"`
	Description string    `json:"description,omitempty"`
	Provenance  []ChunkRef `json:"provenance"`
	CreatedAt   time.Time `json:"created_at"`
}

// Relation 两个实体之间的有向带权边。
// Weight 为支持该关系的去重后 chunk 数，随文档加入单调不减，
// 仅在文档删除时递减并可能剪枝。
type Relation struct {
	SourceKey  string     `json:"source_key"`
	TargetKey  string     `json:"target_key"`
	Type       string     `json:"type"` // works_at, located_in, part_of...
	Weight     float64    `json:"weight"`
	Provenance []ChunkRef `json:"provenance"`
}

// ChunkRef 图谱元素的来源引用。
type ChunkRef struct {
	DocumentID string `json:"document_id"`
	ChunkID    string `json:"chunk_id"`
	TripleHash string `json:"triple_hash,omitempty"` // 抽取去重键
}

// Triple LLM 从单个 chunk 中抽取出的 (主语, 关系, 宾语) 三元组。
type Triple struct {
	Subject     string `json:"subject"`
	SubjectType string `json:"subject_type"`
	Predicate   string `json:"predicate"`
	Object      string `json:"object"`
	ObjectType  string `json:"object_type"`
	Evidence    string `json:"evidence,omitempty"`
}

// CanonicalName 规范化实体名：压缩空白、统一小写。
func CanonicalName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// EntityKey 构造实体规范键。
func EntityKey(name, entityType string) string {
	return CanonicalName(name) + "|" + strings.ToLower(strings.TrimSpace(entityType))
}

// RelationKey 构造关系规范键 (source, target, type)。
func RelationKey(sourceKey, targetKey, relType string) string {
	return sourceKey + "->" + targetKey + "#" + strings.ToLower(strings.TrimSpace(relType))
}

// TripleHash 返回抽取结果的稳定去重标识。
// 同一 (document, chunk, 规范化三元组) 重放合并时据此跳过，保证重试收敛。
func TripleHash(documentID, chunkID string, t Triple) string {
	h := sha256.New()
	h.Write([]byte(documentID))
	h.Write([]byte{0})
	h.Write([]byte(chunkID))
	h.Write([]byte{0})
	h.Write([]byte(EntityKey(t.Subject, t.SubjectType)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(t.Predicate))))
	h.Write([]byte{0})
	h.Write([]byte(EntityKey(t.Object, t.ObjectType)))
	return hex.EncodeToString(h.Sum(nil))
}
