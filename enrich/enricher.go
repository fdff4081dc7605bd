package enrich

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/types"
)

// Config 富化配置。
type Config struct {
	BatchSize int           `json:"batch_size"`
	MaxWait   time.Duration `json:"max_wait"`
	Workers   int           `json:"workers"`
	// EmbedModel 写入 Chunk.EmbeddingModel，标记向量出处
	EmbedModel   string `json:"embed_model"`
	Keywords     bool   `json:"keywords"`
	KeywordLimit int    `json:"keyword_limit"`
	Summary      bool   `json:"summary"`
	// SummaryMinTokens 低于该 token 数的 chunk 不做摘要
	SummaryMinTokens int `json:"summary_min_tokens"`
}

// DefaultConfig 默认富化配置。
func DefaultConfig() Config {
	return Config{
		BatchSize:        32,
		MaxWait:          50 * time.Millisecond,
		Workers:          4,
		Keywords:         true,
		KeywordLimit:     10,
		Summary:          false,
		SummaryMinTokens: 200,
	}
}

// Enricher 为 chunk 计算向量、关键词与可选摘要。
type Enricher struct {
	cfg       Config
	batcher   *EmbedBatcher
	completer provider.Completer
	logger    *zap.Logger
}

// New 创建富化器。completer 为 nil 时摘要自动关闭。
func New(cfg Config, embedder provider.Embedder, completer provider.Completer, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.KeywordLimit <= 0 {
		cfg.KeywordLimit = DefaultConfig().KeywordLimit
	}
	if cfg.SummaryMinTokens <= 0 {
		cfg.SummaryMinTokens = DefaultConfig().SummaryMinTokens
	}

	batcher := NewEmbedBatcher(BatchConfig{
		MaxBatchSize: cfg.BatchSize,
		MaxWaitTime:  cfg.MaxWait,
		Workers:      cfg.Workers,
	}, embedder, logger)

	return &Enricher{
		cfg:       cfg,
		batcher:   batcher,
		completer: completer,
		logger:    logger.With(zap.String("component", "enricher")),
	}
}

// Enrich 富化一批 chunk，原顺序返回。
// 任一 chunk 向量化失败则整体失败（错误保留可重试性）；摘要失败仅降级。
func (e *Enricher) Enrich(ctx context.Context, chunks []types.Chunk) ([]types.Chunk, error) {
	if len(chunks) == 0 {
		return nil, types.NewError(types.ErrEmptyInput, "no chunks to enrich")
	}

	out := make([]types.Chunk, len(chunks))
	copy(out, chunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := range out {
		g.Go(func() error {
			ch := &out[i]

			vec, err := e.batcher.EmbedSync(gctx, ch.Content)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", ch.ID, err)
			}
			ch.Embedding = vec
			ch.EmbeddingModel = e.cfg.EmbedModel

			if e.cfg.Keywords {
				ch.Keywords = ExtractKeywords(ch.Content, e.cfg.KeywordLimit)
			}

			if e.cfg.Summary && e.completer != nil && ch.TokenCount >= e.cfg.SummaryMinTokens {
				e.summarize(gctx, ch)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("enrichment completed", zap.Int("chunks", len(out)))
	return out, nil
}

// summarize 生成单句摘要。失败只记录告警，不影响主流程。
func (e *Enricher) summarize(ctx context.Context, ch *types.Chunk) {
	resp, err := e.completer.Complete(ctx, &provider.CompletionRequest{
		System:      "Summarize the passage in one sentence. Reply with the sentence only.",
		Prompt:      ch.Content,
		MaxTokens:   96,
		Temperature: 0,
	})
	if err != nil {
		e.logger.Warn("summary generation failed, continuing without it",
			zap.String("chunk_id", ch.ID), zap.Error(err))
		return
	}
	ch.Summary = resp.Text
}

// Close 释放批处理器资源。
func (e *Enricher) Close() {
	e.batcher.Close()
}
