package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync/atomic"
)

// MockProvider 测试与离线场景用的确定性提供者。
// 向量由文本哈希派生，相同文本恒得相同向量；补全回放预置脚本。
type MockProvider struct {
	Dim       int
	MaxBatch  int
	EmbedErr  error
	// CompleteFn 覆盖默认补全行为
	CompleteFn func(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// Responses 按调用顺序回放的补全文本
	Responses []string

	embedCalls    atomic.Int64
	completeCalls atomic.Int64
}

// NewMockProvider 创建 mock 提供者。
func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 8
	}
	return &MockProvider{Dim: dim, MaxBatch: 64}
}

func (m *MockProvider) Name() string    { return "mock" }
func (m *MockProvider) Dimensions() int { return m.Dim }

func (m *MockProvider) MaxBatchSize() int {
	if m.MaxBatch <= 0 {
		return 64
	}
	return m.MaxBatch
}

// EmbedCalls 返回 Embed 被调用的次数。
func (m *MockProvider) EmbedCalls() int64 { return m.embedCalls.Load() }

// Embed 由文本 SHA-256 派生单位向量。
func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	m.embedCalls.Add(1)
	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = DeterministicVector(t, m.Dim)
	}
	return out, nil
}

func (m *MockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	n := m.completeCalls.Add(1)
	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, req)
	}
	text := "{}"
	if len(m.Responses) > 0 {
		text = m.Responses[int(n-1)%len(m.Responses)]
	}
	return &CompletionResponse{Text: text, Model: "mock"}, nil
}

// Rerank 按文档与查询的共享词数打分。
func (m *MockProvider) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	qWords := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		qWords[w] = true
	}
	scores := make([]float64, len(documents))
	for i, d := range documents {
		hits := 0
		fields := strings.Fields(strings.ToLower(d))
		for _, w := range fields {
			if qWords[w] {
				hits++
			}
		}
		if len(fields) > 0 {
			scores[i] = float64(hits) / float64(len(fields))
		}
	}
	return scores, nil
}

// DeterministicVector 由文本哈希生成归一化向量。
func DeterministicVector(text string, dim int) []float64 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float64, dim)
	var norm float64
	for i := range v {
		// 循环使用哈希字节，保证任意维度可用
		off := (i * 4) % (len(sum) - 4)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		v[i] = float64(bits%2000)/1000.0 - 1.0 + float64(i)*1e-6
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}
