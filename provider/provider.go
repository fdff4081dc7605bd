// Package provider 定义模型服务抽象：向量化、补全与重排。
//
// 管线各环节只依赖 Provider 接口；HTTPProvider 对接 OpenAI 兼容服务，
// MockProvider 供测试与离线场景使用。
package provider

import (
	"context"
)

// ===== 📦 请求/响应类型 =====

// CompletionRequest 文本补全请求。
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	// JSONMode 要求模型输出合法 JSON（三元组抽取等结构化任务）
	JSONMode bool `json:"json_mode,omitempty"`
}

// CompletionResponse 补全结果。
type CompletionResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	PromptTokens int    `json:"prompt_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ===== 📦 Provider 接口 =====

// Embedder 批量向量化能力。
type Embedder interface {
	// Embed 为每段文本返回一个向量，顺序与输入一致。
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimensions() int
	MaxBatchSize() int
}

// Completer 文本补全能力。
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Reranker 重排能力：返回 query 与每篇文档的相关性分数。
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Provider 完整的模型服务端点。
type Provider interface {
	Embedder
	Completer
	Reranker
	Name() string
}

// ChooseModel 依次取请求模型、默认模型、兜底模型。
func ChooseModel(reqModel, defaultModel, fallback string) string {
	if reqModel != "" {
		return reqModel
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallback
}
