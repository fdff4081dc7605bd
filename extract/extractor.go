// Package extract 将原始文档字节转换为有序的类型化 Block 序列。
//
// 每种格式标签对应一个 Extractor；Registry 负责路由、超时控制与输出规范化。
// 扫描件/图片格式走 OCR 路径，产出带置信度的低可信文本块。
// 本包不触碰任何存储，只产出 Block。
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/types"
)

// Extractor 单一格式的抽取器。
type Extractor interface {
	// Extract 解析字节并返回阅读顺序排列的块。
	Extract(ctx context.Context, data []byte) ([]types.Block, error)

	// Formats 返回该抽取器处理的格式标签（小写，无点号）。
	Formats() []string
}

// Registry 按格式标签路由抽取请求。
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
	ocr        OCREngine
	timeout    time.Duration
	logger     *zap.Logger
}

// Option 配置 Registry。
type Option func(*Registry)

// WithOCREngine 注入 OCR 引擎，启用扫描件与图片格式。
func WithOCREngine(engine OCREngine) Option {
	return func(r *Registry) { r.ocr = engine }
}

// WithTimeout 设置单文档抽取超时。
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry 创建预注册内建抽取器的注册表。
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		extractors: make(map[string]Extractor),
		timeout:    60 * time.Second,
		logger:     logger.With(zap.String("component", "extractor")),
	}
	for _, opt := range opts {
		opt(r)
	}

	// 注册内建抽取器
	builtins := []Extractor{
		NewTextExtractor(),
		NewMarkdownExtractor(),
		NewCSVExtractor(),
		NewHTMLExtractor(),
		NewJSONExtractor(),
	}
	for _, e := range builtins {
		for _, f := range e.Formats() {
			r.extractors[f] = e
		}
	}

	// OCR 路径覆盖的格式：每个格式一个实例，识别调用带上原始格式标签
	if r.ocr != nil {
		for _, f := range ScannedFormats() {
			r.extractors[f] = NewScannedExtractor(r.ocr, f, logger)
		}
	}

	return r
}

// Register 注册或替换某格式的抽取器。
func (r *Registry) Register(format string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[strings.ToLower(format)] = e
}

// Formats 返回全部已注册格式，排序后输出。
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.extractors))
	for f := range r.extractors {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Extract 按格式标签抽取。输出块保证 Index 连续、Confidence 已填充。
func (r *Registry) Extract(ctx context.Context, data []byte, format string) ([]types.Block, error) {
	format = strings.ToLower(strings.TrimPrefix(format, "."))

	r.mu.RLock()
	e, ok := r.extractors[format]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.ErrUnsupportedFormat, fmt.Sprintf("no extractor for format %q", format))
	}
	if len(data) == 0 {
		return nil, types.NewError(types.ErrCorruptInput, "document is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	blocks, err := e.Extract(ctx, data)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewError(types.ErrExtractTimeout, fmt.Sprintf("extraction exceeded %s", r.timeout)).WithCause(err)
		}
		return nil, err
	}

	normalize(blocks)

	r.logger.Debug("extraction completed",
		zap.String("format", format),
		zap.Int("blocks", len(blocks)),
		zap.Duration("elapsed", time.Since(start)))

	return blocks, nil
}

// normalize 统一块的序号与置信度。
func normalize(blocks []types.Block) {
	for i := range blocks {
		blocks[i].Index = i
		if blocks[i].Confidence == 0 {
			blocks[i].Confidence = 1.0
		}
	}
}
