package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/knowledgecore/types"
)

// Config HTTP 提供者配置。
type Config struct {
	Name          string
	BaseURL       string
	APIKey        string
	EmbedModel    string
	CompleteModel string
	RerankModel   string
	Dimensions    int
	MaxBatch      int
	Timeout       time.Duration
	// RateLimit 每秒请求数上限，0 表示不限速
	RateLimit float64
	RateBurst int
}

// HTTPProvider 对接 OpenAI 兼容端点的提供者。
type HTTPProvider struct {
	cfg     Config
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPProvider 创建 HTTP 提供者。
func NewHTTPProvider(cfg Config, logger *zap.Logger) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 100
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		limiter: limiter,
		logger:  logger.With(zap.String("component", "provider"), zap.String("provider", cfg.Name)),
	}
}

func (p *HTTPProvider) Name() string      { return p.cfg.Name }
func (p *HTTPProvider) Dimensions() int   { return p.cfg.Dimensions }
func (p *HTTPProvider) MaxBatchSize() int { return p.cfg.MaxBatch }

// ===== 📦 Embed =====

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed 批量向量化，结果按输入顺序排列。
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no texts to embed")
	}
	if len(texts) > p.cfg.MaxBatch {
		return nil, types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("batch size %d exceeds provider limit %d", len(texts), p.cfg.MaxBatch))
	}

	body := embedRequest{
		Input:      texts,
		Model:      p.cfg.EmbedModel,
		Dimensions: p.cfg.Dimensions,
	}
	respBody, err := p.doRequest(ctx, "POST", "/v1/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "failed to parse embedding response").
			WithProvider(p.cfg.Name).WithCause(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, types.NewError(types.ErrProviderError,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data))).
			WithProvider(p.cfg.Name)
	}

	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, types.NewError(types.ErrProviderError,
				fmt.Sprintf("embedding index %d out of range", d.Index)).WithProvider(p.cfg.Name)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// ===== 📦 Complete =====

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete 文本补全。JSONMode 下要求服务端强制 JSON 输出。
func (p *HTTPProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := ChooseModel(req.Model, p.cfg.CompleteModel, "gpt-4o-mini")

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	respBody, err := p.doRequest(ctx, "POST", "/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "failed to parse completion response").
			WithProvider(p.cfg.Name).WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderError, "completion returned no choices").
			WithProvider(p.cfg.Name)
	}

	return &CompletionResponse{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		PromptTokens: resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// ===== 📦 Rerank =====

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank 返回 query 与各文档的相关性分数，顺序与输入一致。
func (p *HTTPProvider) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no documents to rerank")
	}
	if p.cfg.RerankModel == "" {
		return nil, types.NewError(types.ErrUnsupportedFormat, "provider has no rerank model configured")
	}

	body := rerankRequest{
		Model:     p.cfg.RerankModel,
		Query:     query,
		Documents: documents,
	}
	respBody, err := p.doRequest(ctx, "POST", "/v1/rerank", body)
	if err != nil {
		return nil, err
	}

	var resp rerankResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "failed to parse rerank response").
			WithProvider(p.cfg.Name).WithCause(err)
	}

	scores := make([]float64, len(documents))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, types.NewError(types.ErrProviderError,
				fmt.Sprintf("rerank index %d out of range", r.Index)).WithProvider(p.cfg.Name)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

// ===== 📦 HTTP 基础设施 =====

// doRequest 执行 HTTP 请求并做统一错误处理。
func (p *HTTPProvider) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrProviderTimeout, "rate limiter wait cancelled").
				WithProvider(p.cfg.Name).WithCause(err)
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrProviderTimeout, "request cancelled").
				WithProvider(p.cfg.Name).WithCause(err)
		}
		return nil, types.NewError(types.ErrProviderError, err.Error()).
			WithProvider(p.cfg.Name).WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, string(respBody), p.cfg.Name)
	}
	return respBody, nil
}

// MapHTTPError 将 HTTP 状态码映射为领域错误码。
// 429 与 5xx 可重试，4xx 其余不可重试。
func MapHTTPError(status int, msg, provider string) *types.Error {
	code := types.ErrProviderError
	retryable := status >= 500

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = types.ErrUnauthorized
	case http.StatusTooManyRequests:
		code = types.ErrRateLimited
		retryable = true
	case http.StatusBadRequest:
		code = types.ErrInvalidRequest
	case http.StatusUnprocessableEntity:
		code = types.ErrProviderRejected
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = types.ErrProviderTimeout
		retryable = true
	}

	e := &types.Error{
		Code:      code,
		Message:   msg,
		Retryable: retryable,
		Provider:  provider,
	}
	return e
}
