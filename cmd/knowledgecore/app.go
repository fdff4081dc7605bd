package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/blob"
	"github.com/BaSui01/knowledgecore/chunk"
	"github.com/BaSui01/knowledgecore/config"
	"github.com/BaSui01/knowledgecore/enrich"
	"github.com/BaSui01/knowledgecore/extract"
	"github.com/BaSui01/knowledgecore/graph"
	"github.com/BaSui01/knowledgecore/internal/metrics"
	"github.com/BaSui01/knowledgecore/pipeline"
	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/retrieve"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/store/backends"
)

// =============================================================================
// 🧩 组件装配
// =============================================================================

// app 持有一次命令执行所需的全部组件。
type app struct {
	backend      store.Backend
	provider     provider.Provider
	enricher     *enrich.Enricher
	orchestrator *pipeline.Orchestrator
	retriever    *retrieve.Retriever
}

// buildApp 按配置装配存储后端、模型提供者、摄取管线与检索器。
func buildApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	backend, err := backends.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store backend: %w", err)
	}

	p, err := buildProvider(cfg.Provider, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	blobStore := blob.NewLocalStore(cfg.Blob.Dir, logger)
	registry := extract.NewRegistry(logger, extract.WithTimeout(cfg.Extract.Timeout))
	chunker := chunk.New(chunk.Config{
		MaxTokens:       cfg.Chunk.MaxTokens,
		OverlapTokens:   cfg.Chunk.OverlapTokens,
		RespectHeadings: cfg.Chunk.RespectHeadings,
	}, chunk.NewTiktokenTokenizer(cfg.Chunk.TokenizerModel, logger), logger)

	enricher := enrich.New(enrich.Config{
		BatchSize:    cfg.Enrich.BatchSize,
		MaxWait:      cfg.Enrich.MaxWait,
		Workers:      cfg.Enrich.Workers,
		EmbedModel:   cfg.Provider.EmbedModel,
		Keywords:     cfg.Enrich.Keywords,
		KeywordLimit: cfg.Enrich.KeywordLimit,
		Summary:      cfg.Enrich.Summary,
	}, p, p, logger)

	builder := graph.NewBuilder(graph.Config{
		MaxTriplesPerChunk: cfg.Graph.MaxTriplesPerChunk,
		Temperature:        cfg.Graph.Temperature,
	}, p, backend, logger).WithMetrics(collector)

	orchestrator := pipeline.New(pipeline.Config{
		Workers:        cfg.Pipeline.Workers,
		QueueSize:      cfg.Pipeline.QueueSize,
		MaxAttempts:    cfg.Pipeline.MaxAttempts,
		InitialBackoff: cfg.Pipeline.InitialBackoff,
		MaxBackoff:     cfg.Pipeline.MaxBackoff,
		StageTimeout:   cfg.Pipeline.StageTimeout,
		Retention:      cfg.Pipeline.Retention,
	}, blobStore, registry, chunker, enricher, builder, backend, logger).WithMetrics(collector)

	retriever := retrieve.New(retrieve.Config{
		TopK:          cfg.Retrieve.TopK,
		FanOut:        cfg.Retrieve.FanOut,
		RRFK:          cfg.Retrieve.RRFK,
		VectorWeight:  cfg.Retrieve.VectorWeight,
		LexicalWeight: cfg.Retrieve.LexicalWeight,
		GraphHops:     cfg.Retrieve.GraphHops,
		GraphPenalty:  cfg.Retrieve.GraphPenalty,
	}, p, p, backend, logger).WithMetrics(collector)

	return &app{
		backend:      backend,
		provider:     p,
		enricher:     enricher,
		orchestrator: orchestrator,
		retriever:    retriever,
	}, nil
}

// buildProvider 按名称选择模型提供者。
// "mock" 用于无外部依赖的本地验证。
func buildProvider(cfg config.ProviderConfig, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.Name {
	case "mock":
		return provider.NewMockProvider(cfg.Dimensions), nil
	case "":
		return nil, fmt.Errorf("provider.name is not configured")
	default:
		return provider.NewHTTPProvider(provider.Config{
			Name:          cfg.Name,
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			EmbedModel:    cfg.EmbedModel,
			CompleteModel: cfg.CompleteModel,
			RerankModel:   cfg.RerankModel,
			Dimensions:    cfg.Dimensions,
			MaxBatch:      cfg.MaxBatch,
			Timeout:       cfg.Timeout,
			RateLimit:     cfg.RateLimit,
			RateBurst:     cfg.RateBurst,
		}, logger), nil
	}
}

// Close 按依赖方向逆序关停组件。
func (a *app) Close() {
	a.orchestrator.Close()
	a.enricher.Close()
	a.backend.Close()
}
