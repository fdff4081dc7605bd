// Package pipeline 摄取编排器：把一份文档依次推过
// extract → chunk → enrich → index → graph_build 五个阶段。
//
// 每次摄取构建一个新版本：新版本 chunk 写入后对检索不可见，
// 全链成功才原子切换可见版本，旧版本在重建期间持续可查。
// 任一阶段按错误类别重试，耗尽后整链失败，文档停留在旧版本。
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/chunk"
	"github.com/BaSui01/knowledgecore/internal/metrics"
	"github.com/BaSui01/knowledgecore/retry"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// ===== 📦 配置 =====

// Config 编排配置。
type Config struct {
	// worker 数
	Workers int `json:"workers"`
	// 任务队列长度，满时 Submit 直接拒绝
	QueueSize int `json:"queue_size"`
	// 单阶段最大尝试次数（含首次执行）
	MaxAttempts int `json:"max_attempts"`
	// 重试退避区间
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	// 单阶段超时
	StageTimeout time.Duration `json:"stage_timeout"`
	// 终态任务链的保留时间，过期后从状态查询中清除
	Retention time.Duration `json:"retention"`
}

// DefaultConfig 默认编排配置。
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      64,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		StageTimeout:   2 * time.Minute,
		Retention:      24 * time.Hour,
	}
}

// ===== 📦 阶段依赖 =====

// BlobReader 读取原始文档字节。
type BlobReader interface {
	Read(ctx context.Context, ref string) ([]byte, error)
}

// Extractor 将原始字节抽取为结构化块序列。
type Extractor interface {
	Extract(ctx context.Context, data []byte, format string) ([]types.Block, error)
}

// Enricher 为 chunk 补充嵌入向量与结构化信号。
type Enricher interface {
	Enrich(ctx context.Context, chunks []types.Chunk) ([]types.Chunk, error)
}

// GraphBuilder 从 chunk 构建知识图谱。
type GraphBuilder interface {
	BuildDocument(ctx context.Context, kb string, chunks []types.Chunk) error
}

// ===== 📦 任务链 =====

// ChainStatus 任务链的对外快照。
type ChainStatus struct {
	ChainID         string          `json:"chain_id"`
	KnowledgeBaseID string          `json:"knowledge_base_id"`
	DocumentID      string          `json:"document_id"`
	Version         int             `json:"version"`
	State           types.TaskState `json:"state"`
	// Progress 已完成阶段占比，[0,1]
	Progress float64      `json:"progress"`
	Tasks    []types.Task `json:"tasks"`
}

type chainJob struct {
	id        string
	kb        string
	docID     string
	sourceRef string
	format    string
	version   int

	mu         sync.Mutex
	tasks      []*types.Task
	cancel     context.CancelFunc
	cancelled  bool
	finishedAt time.Time
}

func (c *chainJob) snapshot() *ChainStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &ChainStatus{
		ChainID:         c.id,
		KnowledgeBaseID: c.kb,
		DocumentID:      c.docID,
		Version:         c.version,
		State:           types.TaskQueued,
		Tasks:           make([]types.Task, len(c.tasks)),
	}
	allDone := true
	done := 0
	for i, t := range c.tasks {
		s.Tasks[i] = *t
		switch t.State {
		case types.TaskRunning:
			s.State = types.TaskRunning
			allDone = false
		case types.TaskFailed:
			s.State = types.TaskFailed
			s.Progress = float64(done) / float64(len(c.tasks))
			return s
		case types.TaskQueued:
			allDone = false
		case types.TaskSucceeded:
			done++
		}
	}
	s.Progress = float64(done) / float64(len(c.tasks))
	if allDone {
		s.State = types.TaskSucceeded
	}
	return s
}

// ===== 📦 编排器 =====

// Orchestrator 摄取编排器。
type Orchestrator struct {
	cfg       Config
	blob      BlobReader
	extractor Extractor
	chunker   *chunk.Chunker
	enricher  Enricher
	graph     GraphBuilder
	backend   store.Backend
	logger    *zap.Logger
	collector *metrics.Collector

	queue  chan *chainJob
	mu     sync.Mutex
	chains map[string]*chainJob

	baseCtx     context.Context
	baseCancel  context.CancelFunc
	wg          sync.WaitGroup
	janitorDone chan struct{}
	closed      atomic.Bool

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// New 创建编排器并启动 worker 池与保留期清理。
func New(cfg Config, blob BlobReader, extractor Extractor, chunker *chunk.Chunker,
	enricher Enricher, graph GraphBuilder, backend store.Backend, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		blob:       blob,
		extractor:  extractor,
		chunker:    chunker,
		enricher:   enricher,
		graph:      graph,
		backend:    backend,
		logger:     logger.With(zap.String("component", "pipeline")),
		queue:      make(chan *chainJob, cfg.QueueSize),
		chains:     make(map[string]*chainJob),
		baseCtx:     ctx,
		baseCancel:  cancel,
		janitorDone: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	go o.janitor()
	return o
}

// WithMetrics 挂接指标收集器，必须在首次 Submit 之前调用。
func (o *Orchestrator) WithMetrics(c *metrics.Collector) *Orchestrator {
	o.collector = c
	return o
}

// Submit 排队摄取一份文档，返回任务链 ID。
// 对已存在的文档触发重建：新版本写入期间旧版本持续可检索。
func (o *Orchestrator) Submit(ctx context.Context, kb, docID, sourceRef, format string) (string, error) {
	if o.closed.Load() {
		return "", types.NewError(types.ErrTaskCancelled, "pipeline is shut down")
	}
	if kb == "" || docID == "" || sourceRef == "" {
		return "", types.NewError(types.ErrInvalidRequest, "knowledge base, document id and source ref are required")
	}

	version := 1
	existing, err := o.backend.GetDocument(ctx, kb, docID)
	if err == nil {
		version = existing.Version + 1
	} else if types.GetErrorCode(err) != types.ErrNotFound {
		return "", fmt.Errorf("look up document %s: %w", docID, err)
	}

	now := time.Now()
	doc := &types.Document{
		ID:              docID,
		KnowledgeBaseID: kb,
		SourceRef:       sourceRef,
		Format:          format,
		Status:          types.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if existing != nil {
		// 旧版本保持可见直到新版本切换
		doc.Version = existing.Version
		doc.CreatedAt = existing.CreatedAt
	}
	if err := o.backend.PutDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("register document %s: %w", docID, err)
	}

	job := &chainJob{
		id:        uuid.NewString(),
		kb:        kb,
		docID:     docID,
		sourceRef: sourceRef,
		format:    format,
		version:   version,
		tasks:     make([]*types.Task, len(types.Stages)),
	}
	for i, stage := range types.Stages {
		job.tasks[i] = &types.Task{
			ID:              uuid.NewString(),
			ChainID:         job.id,
			KnowledgeBaseID: kb,
			DocumentID:      docID,
			Stage:           stage,
			State:           types.TaskQueued,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}

	o.mu.Lock()
	o.chains[job.id] = job
	o.mu.Unlock()

	select {
	case o.queue <- job:
	default:
		o.mu.Lock()
		delete(o.chains, job.id)
		o.mu.Unlock()
		return "", types.NewError(types.ErrInternalError, "ingestion queue is full").WithRetryable(true)
	}

	o.submitted.Add(1)
	o.logger.Info("ingestion submitted",
		zap.String("chain_id", job.id),
		zap.String("kb", kb),
		zap.String("document_id", docID),
		zap.Int("version", version))
	return job.id, nil
}

// Status 返回任务链快照。
func (o *Orchestrator) Status(chainID string) (*ChainStatus, error) {
	o.mu.Lock()
	job, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "unknown chain "+chainID)
	}
	return job.snapshot(), nil
}

// Cancel 取消任务链。排队中的链不再执行；执行中的链中断当前阶段。
func (o *Orchestrator) Cancel(chainID string) error {
	o.mu.Lock()
	job, ok := o.chains[chainID]
	o.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "unknown chain "+chainID)
	}
	job.mu.Lock()
	job.cancelled = true
	cancel := job.cancel
	job.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// DeleteDocument 级联删除文档：chunk、图谱来源与文档记录。
func (o *Orchestrator) DeleteDocument(ctx context.Context, kb, docID string) error {
	return o.backend.DeleteDocument(ctx, kb, docID)
}

// Close 优雅停机：拒绝新提交，排空队列后返回。
func (o *Orchestrator) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	close(o.queue)
	o.wg.Wait()
	o.baseCancel()
	<-o.janitorDone
}

// Stats 返回累计计数。
func (o *Orchestrator) Stats() (submitted, succeeded, failed int64) {
	return o.submitted.Load(), o.succeeded.Load(), o.failed.Load()
}

// ===== 📦 执行 =====

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.queue {
		o.runChain(job)
	}
}

func (o *Orchestrator) runChain(job *chainJob) {
	job.mu.Lock()
	if job.cancelled {
		for _, t := range job.tasks {
			t.State = types.TaskFailed
			t.LastError = "cancelled before execution"
			t.LastErrorCode = types.ErrTaskCancelled
			t.UpdatedAt = time.Now()
		}
		job.finishedAt = time.Now()
		job.mu.Unlock()
		o.failed.Add(1)
		o.recordIngest(job.kb, "failed")
		o.finishDocument(job, types.StatusFailed, "cancelled")
		return
	}
	ctx, cancel := context.WithCancel(o.baseCtx)
	job.cancel = cancel
	job.mu.Unlock()
	defer cancel()

	o.setDocumentStatus(ctx, job, types.StatusRunning, "")

	var (
		blocks []types.Block
		chunks []types.Chunk
	)
	stageFns := map[types.Stage]func(context.Context) error{
		types.StageExtract: func(sctx context.Context) error {
			data, err := o.blob.Read(sctx, job.sourceRef)
			if err != nil {
				return err
			}
			blocks, err = o.extractor.Extract(sctx, data, job.format)
			return err
		},
		types.StageChunk: func(sctx context.Context) error {
			var err error
			chunks, err = o.chunker.Chunk(chunk.DocRef{
				KnowledgeBaseID: job.kb,
				DocumentID:      job.docID,
				Version:         job.version,
			}, blocks)
			return err
		},
		types.StageEnrich: func(sctx context.Context) error {
			var err error
			chunks, err = o.enricher.Enrich(sctx, chunks)
			return err
		},
		types.StageIndex: func(sctx context.Context) error {
			return o.backend.UpsertChunks(sctx, chunks)
		},
		types.StageGraphBuild: func(sctx context.Context) error {
			return o.graph.BuildDocument(sctx, job.kb, chunks)
		},
	}

	for _, task := range job.tasks {
		if err := o.runStage(ctx, job, task, stageFns[task.Stage]); err != nil {
			o.logger.Error("ingestion chain failed",
				zap.String("chain_id", job.id),
				zap.String("document_id", job.docID),
				zap.String("stage", string(task.Stage)),
				zap.Error(err))
			o.failed.Add(1)
			o.recordIngest(job.kb, "failed")
			o.finishDocument(job, types.StatusFailed, err.Error())
			o.markFinished(job)
			return
		}
	}

	// 全链成功：原子切换可见版本，旧版本 chunk 随之清理
	if err := o.backend.PromoteVersion(ctx, job.kb, job.docID, job.version); err != nil {
		o.logger.Error("version promotion failed",
			zap.String("chain_id", job.id),
			zap.String("document_id", job.docID),
			zap.Error(err))
		o.failed.Add(1)
		o.recordIngest(job.kb, "failed")
		o.finishDocument(job, types.StatusFailed, err.Error())
		o.markFinished(job)
		return
	}
	o.succeeded.Add(1)
	o.recordIngest(job.kb, "succeeded")
	if o.collector != nil {
		o.collector.RecordChunksIndexed(job.kb, len(chunks))
	}
	o.finishDocument(job, types.StatusDone, "")
	o.markFinished(job)
	o.logger.Info("ingestion completed",
		zap.String("chain_id", job.id),
		zap.String("document_id", job.docID),
		zap.Int("version", job.version),
		zap.Int("chunks", len(chunks)))
}

// runStage 执行单阶段，经退避重试器按错误类别重试直至成功或耗尽尝试。
func (o *Orchestrator) runStage(ctx context.Context, job *chainJob, task *types.Task, fn func(context.Context) error) error {
	attempt := 0
	policy := &retry.Policy{
		MaxRetries:   o.cfg.MaxAttempts - 1,
		InitialDelay: o.cfg.InitialBackoff,
		MaxDelay:     o.cfg.MaxBackoff,
		Multiplier:   2.0,
		Jitter:       true,
		Classify: func(err error) bool {
			return ctx.Err() == nil && types.IsRetryable(err)
		},
		OnRetry: func(n int, err error, delay time.Duration) {
			o.transition(job, task, types.TaskQueued)
			if o.collector != nil {
				o.collector.RecordStageRetry(string(task.Stage), string(types.GetErrorCode(err)))
			}
			o.logger.Warn("stage failed, will retry",
				zap.String("chain_id", job.id),
				zap.String("stage", string(task.Stage)),
				zap.Int("attempt", n),
				zap.Int("max_attempts", o.cfg.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	err := retry.NewBackoffRetryer(policy, o.logger).Do(ctx, func() error {
		attempt++
		o.transition(job, task, types.TaskRunning)
		job.mu.Lock()
		task.Attempts = attempt
		job.mu.Unlock()

		sctx, scancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		sctx, span := otel.Tracer("knowledgecore/pipeline").Start(sctx, "stage."+string(task.Stage))
		span.SetAttributes(
			attribute.String("kb", job.kb),
			attribute.String("document_id", job.docID),
			attribute.Int("attempt", attempt),
		)
		start := time.Now()
		serr := fn(sctx)
		if serr != nil {
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
		}
		span.End()
		scancel()

		if serr == nil {
			o.transition(job, task, types.TaskSucceeded)
			if o.collector != nil {
				o.collector.RecordStage(string(task.Stage), time.Since(start))
			}
			return nil
		}
		o.failTask(job, task, attempt, serr)
		return serr
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && types.GetErrorCode(err) != types.ErrTaskCancelled {
		cerr := types.NewError(types.ErrTaskCancelled, "stage cancelled").WithCause(err)
		o.failTask(job, task, attempt, cerr)
		return cerr
	}
	if !types.IsRetryable(err) {
		o.logger.Warn("stage failed with terminal error",
			zap.String("chain_id", job.id),
			zap.String("stage", string(task.Stage)),
			zap.Error(err))
	}
	return err
}

func (o *Orchestrator) transition(job *chainJob, task *types.Task, next types.TaskState) {
	job.mu.Lock()
	defer job.mu.Unlock()
	if !task.State.CanTransition(next) {
		return
	}
	task.State = next
	task.UpdatedAt = time.Now()
}

func (o *Orchestrator) failTask(job *chainJob, task *types.Task, attempt int, err error) {
	job.mu.Lock()
	defer job.mu.Unlock()
	task.State = types.TaskFailed
	task.Attempts = attempt
	task.LastError = err.Error()
	task.LastErrorCode = types.GetErrorCode(err)
	task.UpdatedAt = time.Now()
}

func (o *Orchestrator) setDocumentStatus(ctx context.Context, job *chainJob, status types.DocumentStatus, lastError string) {
	doc, err := o.backend.GetDocument(ctx, job.kb, job.docID)
	if err != nil {
		o.logger.Warn("document status update skipped",
			zap.String("document_id", job.docID), zap.Error(err))
		return
	}
	doc.Status = status
	doc.LastError = lastError
	doc.UpdatedAt = time.Now()
	if err := o.backend.PutDocument(ctx, doc); err != nil {
		o.logger.Warn("document status update failed",
			zap.String("document_id", job.docID), zap.Error(err))
	}
}

// finishDocument 用不受任务链取消影响的上下文落盘终态。
func (o *Orchestrator) finishDocument(job *chainJob, status types.DocumentStatus, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.setDocumentStatus(ctx, job, status, lastError)
}

func (o *Orchestrator) recordIngest(kb, status string) {
	if o.collector != nil {
		o.collector.RecordIngest(kb, status)
	}
}

func (o *Orchestrator) markFinished(job *chainJob) {
	job.mu.Lock()
	job.finishedAt = time.Now()
	job.mu.Unlock()
}

// janitor 周期清理超过保留期的终态任务链。
func (o *Orchestrator) janitor() {
	defer close(o.janitorDone)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-o.cfg.Retention)
			o.mu.Lock()
			for id, job := range o.chains {
				job.mu.Lock()
				expired := !job.finishedAt.IsZero() && job.finishedAt.Before(cutoff)
				job.mu.Unlock()
				if expired {
					delete(o.chains, id)
				}
			}
			o.mu.Unlock()
		}
	}
}
