package config

import "time"

// DefaultConfig 返回生产级默认配置
func DefaultConfig() *Config {
	return &Config{
		Blob: BlobConfig{
			Dir: "data/blobs",
		},
		Extract: ExtractConfig{
			Timeout:          60 * time.Second,
			MinOCRConfidence: 0.5,
		},
		Chunk: ChunkConfig{
			MaxTokens:       512, // 400-800 tokens 最佳
			OverlapTokens:   102, // 20% overlap
			RespectHeadings: true,
			TokenizerModel:  "gpt-4o",
		},
		Provider: ProviderConfig{
			Name:          "openai",
			BaseURL:       "https://api.openai.com/v1",
			EmbedModel:    "text-embedding-3-small",
			CompleteModel: "gpt-4o-mini",
			RerankModel:   "",
			Dimensions:    1536,
			MaxBatch:      100,
			Timeout:       30 * time.Second,
			RateLimit:     10,
			RateBurst:     20,
		},
		Enrich: EnrichConfig{
			BatchSize:    16,
			MaxWait:      100 * time.Millisecond,
			Workers:      4,
			Keywords:     true,
			KeywordLimit: 8,
			Summary:      false,
		},
		Store: StoreConfig{
			Backend: "memory",
			Timeout: 10 * time.Second,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				DB:           0,
				PoolSize:     10,
				MinIdleConns: 2,
			},
			Database: DatabaseConfig{
				Driver:          "sqlite",
				Name:            "data/knowledgecore.db",
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "knowledgecore",
			},
		},
		Graph: GraphConfig{
			MaxTriplesPerChunk: 20,
			Temperature:        0,
		},
		Retrieve: RetrieveConfig{
			TopK:          10,
			FanOut:        3,
			RRFK:          60,
			VectorWeight:  1.0,
			LexicalWeight: 1.0,
			GraphHops:     1,
			GraphPenalty:  0.5,
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			QueueSize:      256,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			StageTimeout:   5 * time.Minute,
			Retention:      24 * time.Hour,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "knowledgecore",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "knowledgecore",
			SampleRate:  1.0,
		},
	}
}
