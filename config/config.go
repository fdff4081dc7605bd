// =============================================================================
// 📦 KnowledgeCore 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("KNOWLEDGECORE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import "time"

// Config 是 KnowledgeCore 的完整配置结构
type Config struct {
	// Blob 源文件存储配置
	Blob BlobConfig `yaml:"blob" env:"BLOB"`

	// Extract 抽取配置
	Extract ExtractConfig `yaml:"extract" env:"EXTRACT"`

	// Chunk 分块配置
	Chunk ChunkConfig `yaml:"chunk" env:"CHUNK"`

	// Provider 模型提供者配置
	Provider ProviderConfig `yaml:"provider" env:"PROVIDER"`

	// Enrich 嵌入与结构化增强配置
	Enrich EnrichConfig `yaml:"enrich" env:"ENRICH"`

	// Store 存储后端配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Graph 知识图谱构建配置
	Graph GraphConfig `yaml:"graph" env:"GRAPH"`

	// Retrieve 检索配置
	Retrieve RetrieveConfig `yaml:"retrieve" env:"RETRIEVE"`

	// Pipeline 编排配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// BlobConfig 源文件存储配置
type BlobConfig struct {
	// 本地目录
	Dir string `yaml:"dir" env:"DIR"`
}

// ExtractConfig 抽取配置
type ExtractConfig struct {
	// 单文档抽取超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// OCR 置信度下限，低于该值的块在分块时被降权
	MinOCRConfidence float64 `yaml:"min_ocr_confidence" env:"MIN_OCR_CONFIDENCE"`
}

// ChunkConfig 分块配置
type ChunkConfig struct {
	// 块大小（tokens）
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 重叠大小（tokens）
	OverlapTokens int `yaml:"overlap_tokens" env:"OVERLAP_TOKENS"`
	// 标题块是否强制开启新块
	RespectHeadings bool `yaml:"respect_headings" env:"RESPECT_HEADINGS"`
	// tokenizer 模型（tiktoken 编码）
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// ProviderConfig 模型提供者配置
type ProviderConfig struct {
	// 提供者名称: openai, mock
	Name string `yaml:"name" env:"NAME"`
	// 基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 嵌入模型
	EmbedModel string `yaml:"embed_model" env:"EMBED_MODEL"`
	// 补全模型
	CompleteModel string `yaml:"complete_model" env:"COMPLETE_MODEL"`
	// 重排模型
	RerankModel string `yaml:"rerank_model" env:"RERANK_MODEL"`
	// 嵌入维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 单次请求最大批量
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 每秒请求数上限（0 不限流）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 限流突发量
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// EnrichConfig 增强配置
type EnrichConfig struct {
	// 批量大小
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// 批量最大等待时间
	MaxWait time.Duration `yaml:"max_wait" env:"MAX_WAIT"`
	// 并发 worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 是否抽取关键词
	Keywords bool `yaml:"keywords" env:"KEYWORDS"`
	// 每块关键词上限
	KeywordLimit int `yaml:"keyword_limit" env:"KEYWORD_LIMIT"`
	// 是否生成摘要（额外一次补全调用）
	Summary bool `yaml:"summary" env:"SUMMARY"`
}

// StoreConfig 存储后端配置
type StoreConfig struct {
	// 后端类型: memory, redis, gorm, mongo
	Backend string `yaml:"backend" env:"BACKEND"`
	// 操作超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// 关系型数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// MongoDB 配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
}

// GraphConfig 图谱构建配置
type GraphConfig struct {
	// 每块抽取三元组上限
	MaxTriplesPerChunk int `yaml:"max_triples_per_chunk" env:"MAX_TRIPLES_PER_CHUNK"`
	// 抽取补全的温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

// RetrieveConfig 检索配置
type RetrieveConfig struct {
	// 默认返回条数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 候选扩展倍数：每路取 TopK * FanOut 个候选
	FanOut int `yaml:"fan_out" env:"FAN_OUT"`
	// RRF 平滑常数
	RRFK int `yaml:"rrf_k" env:"RRF_K"`
	// 向量路权重
	VectorWeight float64 `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	// 词法路权重
	LexicalWeight float64 `yaml:"lexical_weight" env:"LEXICAL_WEIGHT"`
	// 图谱扩展跳数
	GraphHops int `yaml:"graph_hops" env:"GRAPH_HOPS"`
	// 图谱补充候选的降权系数 (0,1)
	GraphPenalty float64 `yaml:"graph_penalty" env:"GRAPH_PENALTY"`
}

// PipelineConfig 编排配置
type PipelineConfig struct {
	// worker 数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 任务队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// 单任务最大尝试次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 重试初始退避
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"INITIAL_BACKOFF"`
	// 重试最大退避
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 单阶段超时
	StageTimeout time.Duration `yaml:"stage_timeout" env:"STAGE_TIMEOUT"`
	// 终态任务链保留时间
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}
