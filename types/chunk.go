package types

import "fmt"

// ChunkID 构造确定性的 chunk 标识：同一文档版本重新切分得到相同 ID。
func ChunkID(documentID string, version, seq int) string {
	return fmt.Sprintf("%s:v%d:%d", documentID, version, seq)
}

// Chunk 检索单元：一个或多个 Block 的连续组合，受 token 上限约束。
// Seq 在文档内唯一；派生字段（嵌入、关键词、摘要）由 Enricher 填充。
type Chunk struct {
	ID              string         `json:"id"`
	KnowledgeBaseID string         `json:"knowledge_base_id"`
	DocumentID      string         `json:"document_id"`
	DocumentVersion int            `json:"document_version"`
	Seq             int            `json:"seq"`
	Content         string         `json:"content"`
	TokenCount      int            `json:"token_count"`
	Pages           []int          `json:"pages,omitempty"`
	Embedding       []float64      `json:"embedding,omitempty"`
	EmbeddingModel  string         `json:"embedding_model,omitempty"`
	Keywords        []string       `json:"keywords,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ScoredChunk 带分数的检索结果。
type ScoredChunk struct {
	Chunk        Chunk   `json:"chunk"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	RerankScore  float64 `json:"rerank_score,omitempty"`
	Source       string  `json:"source"` // "vector", "lexical", "hybrid", "graph"
}
