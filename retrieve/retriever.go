// Package retrieve 混合检索：向量召回与词法召回经 RRF 融合，
// 经知识图谱做一跳扩展补充间接相关内容，可选重排模型精排。
package retrieve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowledgecore/internal/metrics"
	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// Config 检索配置。
type Config struct {
	// 默认返回条数
	TopK int `json:"top_k"`
	// 候选扩展倍数：每路召回 TopK * FanOut 个候选
	FanOut int `json:"fan_out"`
	// RRF 平滑常数，经验值 60
	RRFK int `json:"rrf_k"`
	// 两路召回的融合权重
	VectorWeight  float64 `json:"vector_weight"`
	LexicalWeight float64 `json:"lexical_weight"`
	// 图谱扩展跳数，0 关闭扩展
	GraphHops int `json:"graph_hops"`
	// 图谱候选的降权系数，(0,1)：扩展结果永远排在直接命中之后
	GraphPenalty float64 `json:"graph_penalty"`
}

// DefaultConfig 默认检索配置。
func DefaultConfig() Config {
	return Config{
		TopK:          10,
		FanOut:        3,
		RRFK:          60,
		VectorWeight:  1.0,
		LexicalWeight: 1.0,
		GraphHops:     1,
		GraphPenalty:  0.5,
	}
}

// Request 一次检索请求。
type Request struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Query           string `json:"query"`
	// TopK 为 0 时使用配置默认值
	TopK int `json:"top_k,omitempty"`
	// 是否用重排模型精排
	Rerank bool `json:"rerank,omitempty"`
}

// Result 检索结果。
type Result struct {
	Chunks []types.ScoredChunk `json:"chunks"`
	// 图谱扩展命中的实体，供引用展示
	Entities []types.Entity `json:"entities,omitempty"`
}

// Retriever 混合检索器。
type Retriever struct {
	cfg       Config
	embedder  provider.Embedder
	reranker  provider.Reranker
	backend   store.Backend
	logger    *zap.Logger
	collector *metrics.Collector
}

// New 创建检索器。reranker 为 nil 时 Rerank 请求静默降级为融合排序。
func New(cfg Config, embedder provider.Embedder, reranker provider.Reranker, backend store.Backend, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = def.FanOut
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = def.RRFK
	}
	if cfg.VectorWeight <= 0 {
		cfg.VectorWeight = def.VectorWeight
	}
	if cfg.LexicalWeight <= 0 {
		cfg.LexicalWeight = def.LexicalWeight
	}
	if cfg.GraphPenalty <= 0 || cfg.GraphPenalty >= 1 {
		cfg.GraphPenalty = def.GraphPenalty
	}
	return &Retriever{
		cfg:      cfg,
		embedder: embedder,
		reranker: reranker,
		backend:  backend,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// WithMetrics 挂接指标收集器。
func (r *Retriever) WithMetrics(c *metrics.Collector) *Retriever {
	r.collector = c
	return r
}

// Retrieve 执行混合检索。
func (r *Retriever) Retrieve(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query is empty")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	fanOut := topK * r.cfg.FanOut
	start := time.Now()

	// 两路召回并行
	var vecHits, lexHits []types.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vectors, err := r.embedder.Embed(gctx, []string{req.Query})
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		vecHits, err = r.backend.VectorSearch(gctx, req.KnowledgeBaseID, vectors[0], fanOut)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		lexHits, err = r.backend.TextSearch(gctx, req.KnowledgeBaseID, req.Query, fanOut)
		if err != nil {
			return fmt.Errorf("text search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if r.collector != nil {
			r.collector.RecordQuery(req.KnowledgeBaseID, "error", time.Since(start))
		}
		return nil, err
	}

	fused := r.fuse(vecHits, lexHits)

	var entities []types.Entity
	if r.cfg.GraphHops > 0 {
		var err error
		fused, entities, err = r.expandGraph(ctx, req.KnowledgeBaseID, req.Query, fused)
		if err != nil {
			// 图谱扩展失败只降级，不影响直接命中
			r.logger.Warn("graph expansion failed", zap.Error(err))
		}
	}

	if req.Rerank && r.reranker != nil && len(fused) > 0 {
		fused = r.rerank(ctx, req.Query, fused)
	}

	fused = store.TopK(fused, topK)
	if r.collector != nil {
		r.collector.RecordQuery(req.KnowledgeBaseID, "ok", time.Since(start))
		r.collector.RecordQueryCandidates("vector", len(vecHits))
		r.collector.RecordQueryCandidates("lexical", len(lexHits))
	}
	r.logger.Debug("retrieval completed",
		zap.String("kb", req.KnowledgeBaseID),
		zap.Int("vector_hits", len(vecHits)),
		zap.Int("lexical_hits", len(lexHits)),
		zap.Int("returned", len(fused)))

	return &Result{Chunks: fused, Entities: entities}, nil
}

// fuse Reciprocal Rank Fusion：score = Σ weight / (k + rank)。
// 融合分只由名次决定，两路的原始分尺度差异不会互相污染。
func (r *Retriever) fuse(vecHits, lexHits []types.ScoredChunk) []types.ScoredChunk {
	merged := make(map[string]*types.ScoredChunk)

	accumulate := func(hits []types.ScoredChunk, weight float64, vector bool) {
		for rank, h := range hits {
			contribution := weight / float64(r.cfg.RRFK+rank+1)
			if m, ok := merged[h.Chunk.ID]; ok {
				m.Score += contribution
				m.Source = "hybrid"
				if vector {
					m.VectorScore = h.VectorScore
				} else {
					m.LexicalScore = h.LexicalScore
				}
				continue
			}
			cp := h
			cp.Score = contribution
			merged[h.Chunk.ID] = &cp
		}
	}
	accumulate(vecHits, r.cfg.VectorWeight, true)
	accumulate(lexHits, r.cfg.LexicalWeight, false)

	out := make([]types.ScoredChunk, 0, len(merged))
	for _, m := range merged {
		out = append(out, *m)
	}
	return store.TopK(out, 0)
}

// expandGraph 用查询中的实体提及扩展候选。
// 扩展命中的 chunk 排在最低直接命中之后（GraphPenalty 降权），
// 绝不挤掉直接命中。
func (r *Retriever) expandGraph(ctx context.Context, kb, query string, fused []types.ScoredChunk) ([]types.ScoredChunk, []types.Entity, error) {
	entities, err := r.backend.FindEntities(ctx, kb, mentionCandidates(query))
	if err != nil {
		return fused, nil, err
	}
	if len(entities) == 0 {
		return fused, nil, nil
	}

	keys := make([]string, len(entities))
	for i, e := range entities {
		keys[i] = e.Key
	}
	relations, err := r.backend.Neighbors(ctx, kb, keys, r.cfg.GraphHops)
	if err != nil {
		return fused, entities, err
	}

	have := make(map[string]bool, len(fused))
	for _, h := range fused {
		have[h.Chunk.ID] = true
	}
	var wantIDs []string
	seen := make(map[string]bool)
	for _, rel := range relations {
		for _, ref := range rel.Provenance {
			if !have[ref.ChunkID] && !seen[ref.ChunkID] {
				wantIDs = append(wantIDs, ref.ChunkID)
				seen[ref.ChunkID] = true
			}
		}
	}
	if len(wantIDs) == 0 {
		return fused, entities, nil
	}

	chunks, err := r.backend.GetChunks(ctx, kb, wantIDs)
	if err != nil {
		return fused, entities, err
	}

	// 基准取最低直接命中分；无直接命中时取 RRF 单路末名分
	base := 1.0 / float64(r.cfg.RRFK+1)
	if len(fused) > 0 {
		base = fused[len(fused)-1].Score
	}
	for i, ch := range chunks {
		fused = append(fused, types.ScoredChunk{
			Chunk:  ch,
			Score:  base * r.cfg.GraphPenalty / float64(i+1),
			Source: "graph",
		})
	}
	return fused, entities, nil
}

// rerank 用重排模型为候选打分并按 RerankScore 重排。
// 重排失败时保留融合排序。
func (r *Retriever) rerank(ctx context.Context, query string, fused []types.ScoredChunk) []types.ScoredChunk {
	docs := make([]string, len(fused))
	for i, h := range fused {
		docs[i] = h.Chunk.Content
	}
	scores, err := r.reranker.Rerank(ctx, query, docs)
	if err != nil {
		r.logger.Warn("rerank failed, keeping fused order", zap.Error(err))
		return fused
	}
	for i := range fused {
		fused[i].RerankScore = scores[i]
		fused[i].Score = scores[i]
	}
	return fused
}

// mentionCandidates 从查询中产生实体名候选：单词与相邻二元组。
func mentionCandidates(query string) []string {
	words := strings.Fields(query)
	candidates := make([]string, 0, len(words)*2)
	for i, w := range words {
		candidates = append(candidates, strings.Trim(w, ".,!?;:\"'"))
		if i+1 < len(words) {
			bigram := strings.Trim(w+" "+words[i+1], ".,!?;:\"'")
			candidates = append(candidates, bigram)
		}
	}
	return candidates
}
