// Package gormstore 关系型数据库存储后端，基于 GORM。
// 支持 postgres / mysql / sqlite 三种驱动；向量与图谱来源以 JSON 列存储，
// 相似度与词法打分在进程内完成。
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// ===== 📦 表模型 =====

type documentRecord struct {
	KB        string `gorm:"column:kb;primaryKey;size:128"`
	ID        string `gorm:"column:id;primaryKey;size:128"`
	SourceRef string `gorm:"column:source_ref;size:512"`
	Format    string `gorm:"column:format;size:32"`
	Status    string `gorm:"column:status;size:16;index"`
	Version   int    `gorm:"column:version"`
	LastError string `gorm:"column:last_error;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (documentRecord) TableName() string { return "documents" }

type chunkRecord struct {
	KB         string `gorm:"column:kb;primaryKey;size:128"`
	ID         string `gorm:"column:id;primaryKey;size:192"`
	DocumentID string `gorm:"column:document_id;size:128;index"`
	Version    int    `gorm:"column:version;index"`
	Seq        int    `gorm:"column:seq"`
	Content    string `gorm:"column:content;type:text"`
	TokenCount int    `gorm:"column:token_count"`
	Payload    string `gorm:"column:payload;type:text"` // 向量、关键词等派生字段的 JSON
}

func (chunkRecord) TableName() string { return "chunks" }

// chunkPayload chunk 的非关系字段。
type chunkPayload struct {
	Pages          []int          `json:"pages,omitempty"`
	Embedding      []float64      `json:"embedding,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Keywords       []string       `json:"keywords,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type entityRecord struct {
	KB   string `gorm:"column:kb;primaryKey;size:128"`
	Key  string `gorm:"column:entity_key;primaryKey;size:256"`
	Name string `gorm:"column:name;size:256;index"`
	Type string `gorm:"column:type;size:64"`
	Data string `gorm:"column:data;type:text"` // 别名、描述、来源 JSON
}

func (entityRecord) TableName() string { return "graph_entities" }

type relationRecord struct {
	KB        string  `gorm:"column:kb;primaryKey;size:128"`
	Key       string  `gorm:"column:relation_key;primaryKey;size:512"`
	SourceKey string  `gorm:"column:source_key;size:256;index"`
	TargetKey string  `gorm:"column:target_key;size:256;index"`
	Type      string  `gorm:"column:type;size:64"`
	Weight    float64 `gorm:"column:weight"`
	Data      string  `gorm:"column:data;type:text"` // 来源 JSON
}

func (relationRecord) TableName() string { return "graph_relations" }

// ===== 📦 后端 =====

// Backend 关系型存储后端。
type Backend struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New 在给定连接上创建后端并迁移表结构。
func New(db *gorm.DB, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&documentRecord{}, &chunkRecord{}, &entityRecord{}, &relationRecord{}); err != nil {
		return nil, types.NewError(types.ErrStoreError, "schema migration failed").WithCause(err)
	}
	return &Backend{
		db:     db,
		logger: logger.With(zap.String("component", "gorm_store")),
	}, nil
}

func storeErr(msg string, err error) error {
	return types.NewError(types.ErrStoreError, msg).WithCause(err)
}

// ===== 📦 文档 =====

func docToRecord(doc *types.Document) documentRecord {
	return documentRecord{
		KB:        doc.KnowledgeBaseID,
		ID:        doc.ID,
		SourceRef: doc.SourceRef,
		Format:    doc.Format,
		Status:    string(doc.Status),
		Version:   doc.Version,
		LastError: doc.LastError,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func recordToDoc(r documentRecord) types.Document {
	return types.Document{
		ID:              r.ID,
		KnowledgeBaseID: r.KB,
		SourceRef:       r.SourceRef,
		Format:          r.Format,
		Status:          types.DocumentStatus(r.Status),
		Version:         r.Version,
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (b *Backend) PutDocument(ctx context.Context, doc *types.Document) error {
	rec := docToRecord(doc)
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return storeErr("put document", err)
	}
	return nil
}

func (b *Backend) GetDocument(ctx context.Context, kb, docID string) (*types.Document, error) {
	var rec documentRecord
	err := b.db.WithContext(ctx).Where("kb = ? AND id = ?", kb, docID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	if err != nil {
		return nil, storeErr("get document", err)
	}
	doc := recordToDoc(rec)
	return &doc, nil
}

func (b *Backend) ListDocuments(ctx context.Context, kb string) ([]types.Document, error) {
	var recs []documentRecord
	err := b.db.WithContext(ctx).Where("kb = ?", kb).Order("id").Find(&recs).Error
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	out := make([]types.Document, len(recs))
	for i, r := range recs {
		out[i] = recordToDoc(r)
	}
	return out, nil
}

func (b *Backend) DeleteDocument(ctx context.Context, kb, docID string) error {
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("kb = ? AND id = ?", kb, docID).Delete(&documentRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrNotFound, "document not found: "+docID)
		}
		if err := tx.Where("kb = ? AND document_id = ?", kb, docID).Delete(&chunkRecord{}).Error; err != nil {
			return err
		}
		return pruneGraphTx(tx, kb, docID)
	})
	if err != nil {
		if types.GetErrorCode(err) == types.ErrNotFound {
			return err
		}
		return storeErr("delete document", err)
	}
	return nil
}

// ===== 📦 Chunk =====

func chunkToRecord(ch types.Chunk) (chunkRecord, error) {
	payload, err := json.Marshal(chunkPayload{
		Pages:          ch.Pages,
		Embedding:      ch.Embedding,
		EmbeddingModel: ch.EmbeddingModel,
		Keywords:       ch.Keywords,
		Summary:        ch.Summary,
		Metadata:       ch.Metadata,
	})
	if err != nil {
		return chunkRecord{}, err
	}
	return chunkRecord{
		KB:         ch.KnowledgeBaseID,
		ID:         ch.ID,
		DocumentID: ch.DocumentID,
		Version:    ch.DocumentVersion,
		Seq:        ch.Seq,
		Content:    ch.Content,
		TokenCount: ch.TokenCount,
		Payload:    string(payload),
	}, nil
}

func recordToChunk(r chunkRecord) (types.Chunk, error) {
	var payload chunkPayload
	if r.Payload != "" {
		if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
			return types.Chunk{}, err
		}
	}
	return types.Chunk{
		ID:              r.ID,
		KnowledgeBaseID: r.KB,
		DocumentID:      r.DocumentID,
		DocumentVersion: r.Version,
		Seq:             r.Seq,
		Content:         r.Content,
		TokenCount:      r.TokenCount,
		Pages:           payload.Pages,
		Embedding:       payload.Embedding,
		EmbeddingModel:  payload.EmbeddingModel,
		Keywords:        payload.Keywords,
		Summary:         payload.Summary,
		Metadata:        payload.Metadata,
	}, nil
}

func (b *Backend) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ch := range chunks {
			rec, err := chunkToRecord(ch)
			if err != nil {
				return storeErr("marshal chunk", err)
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
				return storeErr("upsert chunk", err)
			}
		}
		return nil
	})
}

func (b *Backend) GetChunks(ctx context.Context, kb string, ids []string) ([]types.Chunk, error) {
	var recs []chunkRecord
	err := b.db.WithContext(ctx).Where("kb = ? AND id IN ?", kb, ids).Order("id").Find(&recs).Error
	if err != nil {
		return nil, storeErr("get chunks", err)
	}
	return recordsToChunks(recs)
}

func (b *Backend) ListChunks(ctx context.Context, kb, docID string, version int) ([]types.Chunk, error) {
	var recs []chunkRecord
	err := b.db.WithContext(ctx).
		Where("kb = ? AND document_id = ? AND version = ?", kb, docID, version).
		Order("seq").Find(&recs).Error
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	return recordsToChunks(recs)
}

func recordsToChunks(recs []chunkRecord) ([]types.Chunk, error) {
	out := make([]types.Chunk, 0, len(recs))
	for _, r := range recs {
		ch, err := recordToChunk(r)
		if err != nil {
			return nil, storeErr("unmarshal chunk", err)
		}
		out = append(out, ch)
	}
	return out, nil
}

func (b *Backend) PromoteVersion(ctx context.Context, kb, docID string, version int) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&documentRecord{}).
			Where("kb = ? AND id = ?", kb, docID).
			Updates(map[string]any{"version": version, "updated_at": time.Now()})
		if res.Error != nil {
			return storeErr("promote version", res.Error)
		}
		if res.RowsAffected == 0 {
			return types.NewError(types.ErrNotFound, "document not found: "+docID)
		}
		if err := tx.Where("kb = ? AND document_id = ? AND version <> ?", kb, docID, version).
			Delete(&chunkRecord{}).Error; err != nil {
			return storeErr("drop stale versions", err)
		}
		return nil
	})
}

// ===== 📦 检索 =====

// visibleChunks 读取知识库内当前可见版本的全部 chunk。
func (b *Backend) visibleChunks(ctx context.Context, kb string) ([]types.Chunk, error) {
	var recs []chunkRecord
	err := b.db.WithContext(ctx).
		Joins("JOIN documents ON documents.kb = chunks.kb AND documents.id = chunks.document_id AND documents.version = chunks.version").
		Where("chunks.kb = ?", kb).
		Find(&recs).Error
	if err != nil {
		return nil, storeErr("load visible chunks", err)
	}
	return recordsToChunks(recs)
}

func (b *Backend) VectorSearch(ctx context.Context, kb string, vector []float64, topK int) ([]types.ScoredChunk, error) {
	chunks, err := b.visibleChunks(ctx, kb)
	if err != nil {
		return nil, err
	}
	var hits []types.ScoredChunk
	for _, ch := range chunks {
		score := store.CosineSimilarity(vector, ch.Embedding)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{Chunk: ch, Score: score, VectorScore: score, Source: "vector"})
		}
	}
	return store.TopK(hits, topK), nil
}

func (b *Backend) TextSearch(ctx context.Context, kb, query string, topK int) ([]types.ScoredChunk, error) {
	chunks, err := b.visibleChunks(ctx, kb)
	if err != nil {
		return nil, err
	}
	terms := store.TokenizeQuery(query)
	var hits []types.ScoredChunk
	for _, ch := range chunks {
		score := store.LexicalScore(terms, ch.Content)
		if score > 0 {
			hits = append(hits, types.ScoredChunk{Chunk: ch, Score: score, LexicalScore: score, Source: "lexical"})
		}
	}
	return store.TopK(hits, topK), nil
}

// ===== 📦 图谱 =====

// entityData 实体的 JSON 附加字段。
type entityData struct {
	Aliases     []string         `json:"aliases,omitempty"`
	Description string           `json:"description,omitempty"`
	Provenance  []types.ChunkRef `json:"provenance"`
	CreatedAt   time.Time        `json:"created_at"`
}

func entityToRecord(e types.Entity) (entityRecord, error) {
	data, err := json.Marshal(entityData{
		Aliases:     e.Aliases,
		Description: e.Description,
		Provenance:  e.Provenance,
		CreatedAt:   e.CreatedAt,
	})
	if err != nil {
		return entityRecord{}, err
	}
	return entityRecord{Key: e.Key, Name: e.Name, Type: e.Type, Data: string(data)}, nil
}

func recordToEntity(r entityRecord) (types.Entity, error) {
	var data entityData
	if err := json.Unmarshal([]byte(r.Data), &data); err != nil {
		return types.Entity{}, err
	}
	return types.Entity{
		Key:         r.Key,
		Name:        r.Name,
		Type:        r.Type,
		Aliases:     data.Aliases,
		Description: data.Description,
		Provenance:  data.Provenance,
		CreatedAt:   data.CreatedAt,
	}, nil
}

func relationToRecord(rel types.Relation) (relationRecord, error) {
	data, err := json.Marshal(rel.Provenance)
	if err != nil {
		return relationRecord{}, err
	}
	return relationRecord{
		Key:       types.RelationKey(rel.SourceKey, rel.TargetKey, rel.Type),
		SourceKey: rel.SourceKey,
		TargetKey: rel.TargetKey,
		Type:      rel.Type,
		Weight:    rel.Weight,
		Data:      string(data),
	}, nil
}

func recordToRelation(r relationRecord) (types.Relation, error) {
	var provenance []types.ChunkRef
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &provenance); err != nil {
			return types.Relation{}, err
		}
	}
	return types.Relation{
		SourceKey:  r.SourceKey,
		TargetKey:  r.TargetKey,
		Type:       r.Type,
		Weight:     r.Weight,
		Provenance: provenance,
	}, nil
}

func (b *Backend) UpsertGraph(ctx context.Context, kb string, entities []types.Entity, relations []types.Relation) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entities {
			var rec entityRecord
			err := tx.Where("kb = ? AND entity_key = ?", kb, e.Key).First(&rec).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
			case err != nil:
				return storeErr("load entity", err)
			default:
				existing, derr := recordToEntity(rec)
				if derr != nil {
					return storeErr("unmarshal entity", derr)
				}
				store.MergeEntity(&existing, e)
				e = existing
			}
			out, merr := entityToRecord(e)
			if merr != nil {
				return storeErr("marshal entity", merr)
			}
			out.KB = kb
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error; err != nil {
				return storeErr("save entity", err)
			}
		}
		for _, r := range relations {
			key := types.RelationKey(r.SourceKey, r.TargetKey, r.Type)
			var rec relationRecord
			err := tx.Where("kb = ? AND relation_key = ?", kb, key).First(&rec).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				r.Weight = float64(len(r.Provenance))
			case err != nil:
				return storeErr("load relation", err)
			default:
				existing, derr := recordToRelation(rec)
				if derr != nil {
					return storeErr("unmarshal relation", derr)
				}
				store.MergeRelation(&existing, r)
				r = existing
			}
			out, merr := relationToRecord(r)
			if merr != nil {
				return storeErr("marshal relation", merr)
			}
			out.KB = kb
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error; err != nil {
				return storeErr("save relation", err)
			}
		}
		return nil
	})
}

func (b *Backend) FindEntities(ctx context.Context, kb string, names []string) ([]types.Entity, error) {
	var recs []entityRecord
	err := b.db.WithContext(ctx).Where("kb = ?", kb).Order("entity_key").Find(&recs).Error
	if err != nil {
		return nil, storeErr("load entities", err)
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[types.CanonicalName(n)] = true
	}
	var out []types.Entity
	for _, rec := range recs {
		e, derr := recordToEntity(rec)
		if derr != nil {
			return nil, storeErr("unmarshal entity", derr)
		}
		if matchEntity(&e, want) {
			out = append(out, e)
		}
	}
	return out, nil
}

func matchEntity(e *types.Entity, want map[string]bool) bool {
	if want[types.CanonicalName(e.Name)] {
		return true
	}
	for _, a := range e.Aliases {
		if want[types.CanonicalName(a)] {
			return true
		}
	}
	return false
}

func (b *Backend) Neighbors(ctx context.Context, kb string, entityKeys []string, hops int) ([]types.Relation, error) {
	var recs []relationRecord
	err := b.db.WithContext(ctx).Where("kb = ?", kb).Find(&recs).Error
	if err != nil {
		return nil, storeErr("load relations", err)
	}
	relations := make(map[string]*types.Relation, len(recs))
	for _, rec := range recs {
		r, derr := recordToRelation(rec)
		if derr != nil {
			return nil, storeErr("unmarshal relation", derr)
		}
		relations[rec.Key] = &r
	}
	return store.WalkNeighbors(relations, entityKeys, hops), nil
}

func (b *Backend) PruneGraph(ctx context.Context, kb, docID string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return pruneGraphTx(tx, kb, docID)
	})
}

func pruneGraphTx(tx *gorm.DB, kb, docID string) error {
	var rels []relationRecord
	if err := tx.Where("kb = ?", kb).Find(&rels).Error; err != nil {
		return storeErr("load relations", err)
	}
	for _, rec := range rels {
		r, err := recordToRelation(rec)
		if err != nil {
			return storeErr("unmarshal relation", err)
		}
		before := len(r.Provenance)
		r.Provenance = store.PruneDocRefs(r.Provenance, docID)
		r.Weight = float64(len(r.Provenance))
		switch {
		case len(r.Provenance) == 0:
			if err := tx.Where("kb = ? AND relation_key = ?", kb, rec.Key).Delete(&relationRecord{}).Error; err != nil {
				return storeErr("prune relation", err)
			}
		case len(r.Provenance) != before:
			out, merr := relationToRecord(r)
			if merr != nil {
				return storeErr("marshal relation", merr)
			}
			out.KB = kb
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error; err != nil {
				return storeErr("save relation", err)
			}
		}
	}

	var ents []entityRecord
	if err := tx.Where("kb = ?", kb).Find(&ents).Error; err != nil {
		return storeErr("load entities", err)
	}
	for _, rec := range ents {
		e, err := recordToEntity(rec)
		if err != nil {
			return storeErr("unmarshal entity", err)
		}
		before := len(e.Provenance)
		e.Provenance = store.PruneDocRefs(e.Provenance, docID)
		switch {
		case len(e.Provenance) == 0:
			if err := tx.Where("kb = ? AND entity_key = ?", kb, rec.Key).Delete(&entityRecord{}).Error; err != nil {
				return storeErr("prune entity", err)
			}
		case len(e.Provenance) != before:
			out, merr := entityToRecord(e)
			if merr != nil {
				return storeErr("marshal entity", merr)
			}
			out.KB = kb
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error; err != nil {
				return storeErr("save entity", err)
			}
		}
	}
	return nil
}

func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
