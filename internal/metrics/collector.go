// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 摄取指标
	ingestTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec
	chunksIndexed *prometheus.CounterVec

	// 模型提供者指标
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	// 检索指标
	queriesTotal    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	queryCandidates *prometheus.HistogramVec

	// 图谱指标
	triplesExtracted *prometheus.CounterVec
	entitiesMerged   *prometheus.CounterVec

	// 存储指标
	storeOpDuration   *prometheus.HistogramVec
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 摄取指标
	c.ingestTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Total number of ingestion chains by outcome",
		},
		[]string{"kb", "status"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	c.stageRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retries",
		},
		[]string{"stage", "error_code"},
	)

	c.chunksIndexed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the index",
		},
		[]string{"kb"},
	)

	// 模型提供者指标
	c.providerRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of model provider requests",
		},
		[]string{"provider", "operation", "status"},
	)

	c.providerRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Model provider request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)

	c.providerTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	// 检索指标
	c.queriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of retrieval queries",
		},
		[]string{"kb", "status"},
	)

	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Retrieval query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kb"},
	)

	c.queryCandidates = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_candidates",
			Help:      "Number of candidates per retrieval source",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"source"}, // vector, lexical, graph
	)

	// 图谱指标
	c.triplesExtracted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_triples_extracted_total",
			Help:      "Total number of triples extracted from chunks",
		},
		[]string{"kb"},
	)

	c.entitiesMerged = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_entities_merged_total",
			Help:      "Total number of entities merged into the graph",
		},
		[]string{"kb"},
	)

	// 存储指标
	c.storeOpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Storage backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 摄取指标记录
// =============================================================================

// RecordIngest 记录一条摄取链的结果
func (c *Collector) RecordIngest(kb, status string) {
	c.ingestTotal.WithLabelValues(kb, status).Inc()
}

// RecordStage 记录阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageRetry 记录阶段重试
func (c *Collector) RecordStageRetry(stage, errorCode string) {
	c.stageRetries.WithLabelValues(stage, errorCode).Inc()
}

// RecordChunksIndexed 记录写入索引的 chunk 数
func (c *Collector) RecordChunksIndexed(kb string, count int) {
	c.chunksIndexed.WithLabelValues(kb).Add(float64(count))
}

// =============================================================================
// 🤖 模型提供者指标记录
// =============================================================================

// RecordProviderRequest 记录一次提供者调用
func (c *Collector) RecordProviderRequest(provider, operation, status string, duration time.Duration) {
	c.providerRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderTokens 记录 token 用量
func (c *Collector) RecordProviderTokens(provider string, promptTokens, completionTokens int) {
	c.providerTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	c.providerTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
}

// =============================================================================
// 🔍 检索指标记录
// =============================================================================

// RecordQuery 记录一次检索
func (c *Collector) RecordQuery(kb, status string, duration time.Duration) {
	c.queriesTotal.WithLabelValues(kb, status).Inc()
	c.queryDuration.WithLabelValues(kb).Observe(duration.Seconds())
}

// RecordQueryCandidates 记录某路召回的候选数
func (c *Collector) RecordQueryCandidates(source string, count int) {
	c.queryCandidates.WithLabelValues(source).Observe(float64(count))
}

// =============================================================================
// 🕸️ 图谱指标记录
// =============================================================================

// RecordTriplesExtracted 记录抽取的三元组数
func (c *Collector) RecordTriplesExtracted(kb string, count int) {
	c.triplesExtracted.WithLabelValues(kb).Add(float64(count))
}

// RecordEntitiesMerged 记录合并的实体数
func (c *Collector) RecordEntitiesMerged(kb string, count int) {
	c.entitiesMerged.WithLabelValues(kb).Add(float64(count))
}

// =============================================================================
// 🗄️ 存储指标记录
// =============================================================================

// RecordStoreOperation 记录存储操作耗时
func (c *Collector) RecordStoreOperation(backend, operation string, duration time.Duration) {
	c.storeOpDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
