// Package enrich 为 Chunk 附加派生信号：向量、关键词与可选摘要。
//
// 向量化经由通道批处理器聚合成批后调用 Provider，摊薄请求开销；
// 关键词在本地按词频统计；摘要调用补全模型，失败时降级而非中断。
package enrich

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/provider"
)

var (
	ErrBatcherClosed = errors.New("embed batcher closed")
	ErrBatcherFull   = errors.New("embed batcher queue full")
)

// BatchConfig 批处理器配置。
type BatchConfig struct {
	MaxBatchSize int           `json:"max_batch_size"`
	MaxWaitTime  time.Duration `json:"max_wait_time"`
	QueueSize    int           `json:"queue_size"`
	Workers      int           `json:"workers"`
}

// DefaultBatchConfig 返回合理的默认值。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize: 32,
		MaxWaitTime:  50 * time.Millisecond,
		QueueSize:    1024,
		Workers:      2,
	}
}

type pendingEmbed struct {
	text     string
	ctx      context.Context
	response chan embedResult
}

type embedResult struct {
	vector []float64
	err    error
}

// EmbedBatcher 将并发到达的向量化请求聚合成批。
// 批在装满 MaxBatchSize 或等待超过 MaxWaitTime 后发出。
type EmbedBatcher struct {
	cfg      BatchConfig
	embedder provider.Embedder
	queue    chan *pendingEmbed
	closed   atomic.Bool
	wg       sync.WaitGroup
	logger   *zap.Logger

	// 计量
	submitted atomic.Int64
	batches   atomic.Int64
	failed    atomic.Int64
}

// NewEmbedBatcher 创建批处理器并启动 worker。
func NewEmbedBatcher(cfg BatchConfig, embedder provider.Embedder, logger *zap.Logger) *EmbedBatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultBatchConfig().MaxBatchSize
	}
	if limit := embedder.MaxBatchSize(); limit > 0 && cfg.MaxBatchSize > limit {
		cfg.MaxBatchSize = limit
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = DefaultBatchConfig().MaxWaitTime
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultBatchConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultBatchConfig().Workers
	}

	b := &EmbedBatcher{
		cfg:      cfg,
		embedder: embedder,
		queue:    make(chan *pendingEmbed, cfg.QueueSize),
		logger:   logger.With(zap.String("component", "embed_batcher")),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// EmbedSync 提交一段文本并等待其向量。
func (b *EmbedBatcher) EmbedSync(ctx context.Context, text string) ([]float64, error) {
	if b.closed.Load() {
		return nil, ErrBatcherClosed
	}
	b.submitted.Add(1)

	pending := &pendingEmbed{
		text:     text,
		ctx:      ctx,
		response: make(chan embedResult, 1),
	}

	select {
	case b.queue <- pending:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrBatcherFull
	}

	select {
	case res := <-pending.response:
		return res.vector, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *EmbedBatcher) worker() {
	defer b.wg.Done()

	for first := range b.queue {
		batch := []*pendingEmbed{first}
		timer := time.NewTimer(b.cfg.MaxWaitTime)

	collect:
		for len(batch) < b.cfg.MaxBatchSize {
			select {
			case p, ok := <-b.queue:
				if !ok {
					break collect
				}
				batch = append(batch, p)
			case <-timer.C:
				break collect
			}
		}
		timer.Stop()

		b.flush(batch)
	}
}

func (b *EmbedBatcher) flush(batch []*pendingEmbed) {
	b.batches.Add(1)

	// 已取消的请求不占用 provider 配额
	live := batch[:0]
	for _, p := range batch {
		if p.ctx.Err() != nil {
			p.response <- embedResult{err: p.ctx.Err()}
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		return
	}

	texts := make([]string, len(live))
	for i, p := range live {
		texts[i] = p.text
	}

	vectors, err := b.embedder.Embed(context.Background(), texts)
	if err != nil {
		b.failed.Add(int64(len(live)))
		for _, p := range live {
			p.response <- embedResult{err: err}
		}
		return
	}
	for i, p := range live {
		p.response <- embedResult{vector: vectors[i]}
	}
}

// Close 停止接收新请求并等待在途批完成。
func (b *EmbedBatcher) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.queue)
	b.wg.Wait()
}

// Stats 返回计量快照。
func (b *EmbedBatcher) Stats() (submitted, batches, failed int64) {
	return b.submitted.Load(), b.batches.Load(), b.failed.Load()
}
