// Package graph 从富化后的 chunk 中抽取 (主语, 关系, 宾语) 三元组，
// 规范化为实体与带权边后合并进知识图谱。
//
// 合并以 TripleHash 为去重键：同一 (文档, chunk, 规范化三元组) 重放
// 不改变任何权重或来源，管线重试因此收敛。同一知识库的合并由
// 键控互斥锁串行化，避免交叉读改写。
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/internal/metrics"
	"github.com/BaSui01/knowledgecore/provider"
	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// Config 图谱构建配置。
type Config struct {
	// 每块抽取三元组上限
	MaxTriplesPerChunk int `json:"max_triples_per_chunk"`
	// 抽取补全温度；0 最稳定
	Temperature float64 `json:"temperature"`
}

// DefaultConfig 默认图谱构建配置。
func DefaultConfig() Config {
	return Config{MaxTriplesPerChunk: 10, Temperature: 0}
}

// Builder 知识图谱构建器。
type Builder struct {
	cfg       Config
	completer provider.Completer
	backend   store.Backend
	logger    *zap.Logger
	collector *metrics.Collector

	mu      sync.Mutex
	kbLocks map[string]*sync.Mutex
}

// NewBuilder 创建图谱构建器。
func NewBuilder(cfg Config, completer provider.Completer, backend store.Backend, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTriplesPerChunk <= 0 {
		cfg.MaxTriplesPerChunk = DefaultConfig().MaxTriplesPerChunk
	}
	return &Builder{
		cfg:       cfg,
		completer: completer,
		backend:   backend,
		logger:    logger.With(zap.String("component", "graph_builder")),
		kbLocks:   make(map[string]*sync.Mutex),
	}
}

// WithMetrics 挂接指标收集器。
func (b *Builder) WithMetrics(c *metrics.Collector) *Builder {
	b.collector = c
	return b
}

func (b *Builder) kbLock(kb string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.kbLocks[kb]
	if !ok {
		l = &sync.Mutex{}
		b.kbLocks[kb] = l
	}
	return l
}

// BuildDocument 为一份文档的全部 chunk 抽取三元组并合并进图谱。
// 合并前先剪除该文档此前贡献的来源：重试重放与版本重建都收敛到
// 恰好一份来源，权重不随重复处理膨胀。补全调用失败即返回错误
// （保留可重试性）；单块输出不可解析时跳过该块并告警，不中断整个文档。
func (b *Builder) BuildDocument(ctx context.Context, kb string, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return types.NewError(types.ErrEmptyInput, "no chunks to build graph from")
	}
	docID := chunks[0].DocumentID

	entities := make(map[string]*types.Entity)
	relations := make(map[string]*types.Relation)

	for _, ch := range chunks {
		triples, err := b.extractTriples(ctx, ch)
		if err != nil {
			return fmt.Errorf("extract triples from chunk %s: %w", ch.ID, err)
		}
		if b.collector != nil {
			b.collector.RecordTriplesExtracted(kb, len(triples))
		}
		for _, t := range triples {
			b.mergeTriple(entities, relations, ch, t)
		}
	}

	entList := make([]types.Entity, 0, len(entities))
	for _, e := range entities {
		entList = append(entList, *e)
	}
	relList := make([]types.Relation, 0, len(relations))
	for _, r := range relations {
		relList = append(relList, *r)
	}
	store.SortEntities(entList)

	lock := b.kbLock(kb)
	lock.Lock()
	defer lock.Unlock()
	if err := b.backend.PruneGraph(ctx, kb, docID); err != nil {
		return fmt.Errorf("prune stale graph provenance: %w", err)
	}
	if len(entList) == 0 && len(relList) == 0 {
		b.logger.Debug("no triples extracted", zap.String("kb", kb), zap.Int("chunks", len(chunks)))
		return nil
	}
	if err := b.backend.UpsertGraph(ctx, kb, entList, relList); err != nil {
		return fmt.Errorf("merge graph: %w", err)
	}
	if b.collector != nil {
		b.collector.RecordEntitiesMerged(kb, len(entList))
	}

	b.logger.Info("graph merged",
		zap.String("kb", kb),
		zap.Int("entities", len(entList)),
		zap.Int("relations", len(relList)))
	return nil
}

// RemoveDocument 剪除文档贡献的图谱来源。
func (b *Builder) RemoveDocument(ctx context.Context, kb, docID string) error {
	lock := b.kbLock(kb)
	lock.Lock()
	defer lock.Unlock()
	return b.backend.PruneGraph(ctx, kb, docID)
}

// mergeTriple 将单条三元组并入待提交的实体与关系集合。
func (b *Builder) mergeTriple(entities map[string]*types.Entity, relations map[string]*types.Relation, ch types.Chunk, t types.Triple) {
	if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Object) == "" ||
		strings.TrimSpace(t.Predicate) == "" {
		return
	}

	hash := types.TripleHash(ch.DocumentID, ch.ID, t)
	ref := types.ChunkRef{DocumentID: ch.DocumentID, ChunkID: ch.ID, TripleHash: hash}

	srcKey := types.EntityKey(t.Subject, t.SubjectType)
	dstKey := types.EntityKey(t.Object, t.ObjectType)

	addEntity := func(key, name, typ string) {
		if e, ok := entities[key]; ok {
			e.Provenance = append(e.Provenance, ref)
			return
		}
		entities[key] = &types.Entity{
			Key:        key,
			Name:       strings.TrimSpace(name),
			Type:       strings.ToLower(strings.TrimSpace(typ)),
			Provenance: []types.ChunkRef{ref},
		}
	}
	addEntity(srcKey, t.Subject, t.SubjectType)
	addEntity(dstKey, t.Object, t.ObjectType)

	relType := strings.ToLower(strings.Join(strings.Fields(t.Predicate), "_"))
	relKey := types.RelationKey(srcKey, dstKey, relType)
	if r, ok := relations[relKey]; ok {
		r.Provenance = append(r.Provenance, ref)
	} else {
		relations[relKey] = &types.Relation{
			SourceKey:  srcKey,
			TargetKey:  dstKey,
			Type:       relType,
			Provenance: []types.ChunkRef{ref},
		}
	}
}

// ===== 📦 LLM 抽取 =====

const extractSystemPrompt = `You extract knowledge graph triples from text.
Return a JSON object: {"triples": [{"subject": "...", "subject_type": "...", "predicate": "...", "object": "...", "object_type": "..."}]}.
Entity types: person, organization, location, product, event, concept.
Predicates are short snake_case verbs like works_at, located_in, part_of, produces.
Only extract facts stated in the text. Return {"triples": []} when there are none.`

type tripleEnvelope struct {
	Triples []types.Triple `json:"triples"`
}

// extractTriples 调用补全模型从单个 chunk 抽取三元组。
func (b *Builder) extractTriples(ctx context.Context, ch types.Chunk) ([]types.Triple, error) {
	prompt := fmt.Sprintf("Extract at most %d triples from this passage:\n\n%s",
		b.cfg.MaxTriplesPerChunk, ch.Content)

	resp, err := b.completer.Complete(ctx, &provider.CompletionRequest{
		System:      extractSystemPrompt,
		Prompt:      prompt,
		Temperature: b.cfg.Temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	triples, err := ParseTriples(resp.Text)
	if err != nil {
		// 模型输出偶发畸形：跳过该块，不拖垮整个文档
		b.logger.Warn("unparseable extraction output, skipping chunk",
			zap.String("chunk_id", ch.ID), zap.Error(err))
		return nil, nil
	}
	if len(triples) > b.cfg.MaxTriplesPerChunk {
		triples = triples[:b.cfg.MaxTriplesPerChunk]
	}
	return triples, nil
}

// ParseTriples 解析模型输出。容忍代码围栏与裸数组两种变体。
func ParseTriples(text string) ([]types.Triple, error) {
	text = strings.TrimSpace(text)
	if after, ok := strings.CutPrefix(text, "```json"); ok {
		text = after
	} else if after, ok := strings.CutPrefix(text, "```"); ok {
		text = after
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	var envelope tripleEnvelope
	if err := json.Unmarshal([]byte(text), &envelope); err == nil {
		return envelope.Triples, nil
	}
	var bare []types.Triple
	if err := json.Unmarshal([]byte(text), &bare); err == nil {
		return bare, nil
	}
	return nil, fmt.Errorf("output is neither a triple object nor an array")
}
