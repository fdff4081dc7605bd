// Package mongostore MongoDB 存储后端，基于官方驱动 v2。
// 四个集合分别承载文档、chunk、实体与关系；打分在进程内完成，
// 与其它后端保持同一语义。
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/knowledgecore/store"
	"github.com/BaSui01/knowledgecore/types"
)

// Config MongoDB 后端配置。
type Config struct {
	URI      string
	Database string
}

// Backend MongoDB 存储后端。
type Backend struct {
	client    *mongo.Client
	documents *mongo.Collection
	chunks    *mongo.Collection
	entities  *mongo.Collection
	relations *mongo.Collection
	logger    *zap.Logger
}

// New 连接 MongoDB 并创建后端。
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, types.NewError(types.ErrStoreError, "failed to connect to mongodb").WithCause(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		return nil, types.NewError(types.ErrStoreError, "mongodb ping failed").WithCause(err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "knowledgecore"
	}
	return NewWithClient(client, dbName, logger), nil
}

// NewWithClient 用现成客户端创建后端。
func NewWithClient(client *mongo.Client, database string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := client.Database(database)
	return &Backend{
		client:    client,
		documents: db.Collection("documents"),
		chunks:    db.Collection("chunks"),
		entities:  db.Collection("graph_entities"),
		relations: db.Collection("graph_relations"),
		logger:    logger.With(zap.String("component", "mongo_store")),
	}
}

func storeErr(msg string, err error) error {
	return types.NewError(types.ErrStoreError, msg).WithCause(err)
}

// ===== 📦 记录类型 =====

type documentRecord struct {
	KB        string    `bson:"kb"`
	ID        string    `bson:"doc_id"`
	SourceRef string    `bson:"source_ref"`
	Format    string    `bson:"format"`
	Status    string    `bson:"status"`
	Version   int       `bson:"version"`
	LastError string    `bson:"last_error,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type chunkRecord struct {
	KB             string            `bson:"kb"`
	ID             string            `bson:"chunk_id"`
	DocumentID     string            `bson:"document_id"`
	Version        int               `bson:"version"`
	Seq            int               `bson:"seq"`
	Content        string            `bson:"content"`
	TokenCount     int               `bson:"token_count"`
	Pages          []int             `bson:"pages,omitempty"`
	Embedding      []float64         `bson:"embedding,omitempty"`
	EmbeddingModel string            `bson:"embedding_model,omitempty"`
	Keywords       []string          `bson:"keywords,omitempty"`
	Summary        string            `bson:"summary,omitempty"`
	Metadata       map[string]any    `bson:"metadata,omitempty"`
}

type chunkRefRecord struct {
	DocumentID string `bson:"document_id"`
	ChunkID    string `bson:"chunk_id"`
	TripleHash string `bson:"triple_hash,omitempty"`
}

type entityRecord struct {
	KB          string           `bson:"kb"`
	Key         string           `bson:"entity_key"`
	Name        string           `bson:"name"`
	Type        string           `bson:"type"`
	Aliases     []string         `bson:"aliases,omitempty"`
	Description string           `bson:"description,omitempty"`
	Provenance  []chunkRefRecord `bson:"provenance"`
	CreatedAt   time.Time        `bson:"created_at"`
}

type relationRecord struct {
	KB         string           `bson:"kb"`
	Key        string           `bson:"relation_key"`
	SourceKey  string           `bson:"source_key"`
	TargetKey  string           `bson:"target_key"`
	Type       string           `bson:"type"`
	Weight     float64          `bson:"weight"`
	Provenance []chunkRefRecord `bson:"provenance"`
}

func toRefRecords(refs []types.ChunkRef) []chunkRefRecord {
	out := make([]chunkRefRecord, len(refs))
	for i, r := range refs {
		out[i] = chunkRefRecord(r)
	}
	return out
}

func fromRefRecords(refs []chunkRefRecord) []types.ChunkRef {
	out := make([]types.ChunkRef, len(refs))
	for i, r := range refs {
		out[i] = types.ChunkRef(r)
	}
	return out
}

// ===== 📦 文档 =====

func (b *Backend) PutDocument(ctx context.Context, doc *types.Document) error {
	rec := documentRecord{
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
	_, err := b.documents.ReplaceOne(ctx,
		bson.M{"kb": doc.KnowledgeBaseID, "doc_id": doc.ID},
		rec, options.Replace().SetUpsert(true))
	if err != nil {
		return storeErr("put document", err)
	}
	return nil
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

func (b *Backend) GetDocument(ctx context.Context, kb, docID string) (*types.Document, error) {
	var rec documentRecord
	err := b.documents.FindOne(ctx, bson.M{"kb": kb, "doc_id": docID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	if err != nil {
		return nil, storeErr("get document", err)
	}
	doc := recordToDoc(rec)
	return &doc, nil
}

func (b *Backend) ListDocuments(ctx context.Context, kb string) ([]types.Document, error) {
	cur, err := b.documents.Find(ctx, bson.M{"kb": kb},
		options.Find().SetSort(bson.D{{Key: "doc_id", Value: 1}}))
	if err != nil {
		return nil, storeErr("list documents", err)
	}
	var recs []documentRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, storeErr("decode documents", err)
	}
	out := make([]types.Document, len(recs))
	for i, r := range recs {
		out[i] = recordToDoc(r)
	}
	return out, nil
}

func (b *Backend) DeleteDocument(ctx context.Context, kb, docID string) error {
	res, err := b.documents.DeleteOne(ctx, bson.M{"kb": kb, "doc_id": docID})
	if err != nil {
		return storeErr("delete document", err)
	}
	if res.DeletedCount == 0 {
		return types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	if _, err := b.chunks.DeleteMany(ctx, bson.M{"kb": kb, "document_id": docID}); err != nil {
		return storeErr("delete chunks", err)
	}
	return b.PruneGraph(ctx, kb, docID)
}

// ===== 📦 Chunk =====

func (b *Backend) UpsertChunks(ctx context.Context, chunks []types.Chunk) error {
	for _, ch := range chunks {
		rec := chunkRecord{
			KB:             ch.KnowledgeBaseID,
			ID:             ch.ID,
			DocumentID:     ch.DocumentID,
			Version:        ch.DocumentVersion,
			Seq:            ch.Seq,
			Content:        ch.Content,
			TokenCount:     ch.TokenCount,
			Pages:          ch.Pages,
			Embedding:      ch.Embedding,
			EmbeddingModel: ch.EmbeddingModel,
			Keywords:       ch.Keywords,
			Summary:        ch.Summary,
			Metadata:       ch.Metadata,
		}
		_, err := b.chunks.ReplaceOne(ctx,
			bson.M{"kb": ch.KnowledgeBaseID, "chunk_id": ch.ID},
			rec, options.Replace().SetUpsert(true))
		if err != nil {
			return storeErr("upsert chunk", err)
		}
	}
	return nil
}

func recordToChunk(r chunkRecord) types.Chunk {
	return types.Chunk{
		ID:              r.ID,
		KnowledgeBaseID: r.KB,
		DocumentID:      r.DocumentID,
		DocumentVersion: r.Version,
		Seq:             r.Seq,
		Content:         r.Content,
		TokenCount:      r.TokenCount,
		Pages:           r.Pages,
		Embedding:       r.Embedding,
		EmbeddingModel:  r.EmbeddingModel,
		Keywords:        r.Keywords,
		Summary:         r.Summary,
		Metadata:        r.Metadata,
	}
}

func (b *Backend) findChunks(ctx context.Context, filter bson.M, sort bson.D) ([]types.Chunk, error) {
	opts := options.Find()
	if sort != nil {
		opts = opts.SetSort(sort)
	}
	cur, err := b.chunks.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("find chunks", err)
	}
	var recs []chunkRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, storeErr("decode chunks", err)
	}
	out := make([]types.Chunk, len(recs))
	for i, r := range recs {
		out[i] = recordToChunk(r)
	}
	return out, nil
}

func (b *Backend) GetChunks(ctx context.Context, kb string, ids []string) ([]types.Chunk, error) {
	return b.findChunks(ctx,
		bson.M{"kb": kb, "chunk_id": bson.M{"$in": ids}},
		bson.D{{Key: "chunk_id", Value: 1}})
}

func (b *Backend) ListChunks(ctx context.Context, kb, docID string, version int) ([]types.Chunk, error) {
	return b.findChunks(ctx,
		bson.M{"kb": kb, "document_id": docID, "version": version},
		bson.D{{Key: "seq", Value: 1}})
}

func (b *Backend) PromoteVersion(ctx context.Context, kb, docID string, version int) error {
	res, err := b.documents.UpdateOne(ctx,
		bson.M{"kb": kb, "doc_id": docID},
		bson.M{"$set": bson.M{"version": version, "updated_at": time.Now()}})
	if err != nil {
		return storeErr("promote version", err)
	}
	if res.MatchedCount == 0 {
		return types.NewError(types.ErrNotFound, "document not found: "+docID)
	}
	_, err = b.chunks.DeleteMany(ctx,
		bson.M{"kb": kb, "document_id": docID, "version": bson.M{"$ne": version}})
	if err != nil {
		return storeErr("drop stale versions", err)
	}
	return nil
}

// ===== 📦 检索 =====

func (b *Backend) visibleChunks(ctx context.Context, kb string) ([]types.Chunk, error) {
	docs, err := b.ListDocuments(ctx, kb)
	if err != nil {
		return nil, err
	}
	var out []types.Chunk
	for _, doc := range docs {
		chunks, err := b.findChunks(ctx,
			bson.M{"kb": kb, "document_id": doc.ID, "version": doc.Version}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
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

func (b *Backend) UpsertGraph(ctx context.Context, kb string, entities []types.Entity, relations []types.Relation) error {
	for _, e := range entities {
		var rec entityRecord
		err := b.entities.FindOne(ctx, bson.M{"kb": kb, "entity_key": e.Key}).Decode(&rec)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return storeErr("load entity", err)
		default:
			existing := types.Entity{
				Key: rec.Key, Name: rec.Name, Type: rec.Type,
				Aliases: rec.Aliases, Description: rec.Description,
				Provenance: fromRefRecords(rec.Provenance), CreatedAt: rec.CreatedAt,
			}
			store.MergeEntity(&existing, e)
			e = existing
		}
		out := entityRecord{
			KB: kb, Key: e.Key, Name: e.Name, Type: e.Type,
			Aliases: e.Aliases, Description: e.Description,
			Provenance: toRefRecords(e.Provenance), CreatedAt: e.CreatedAt,
		}
		_, err = b.entities.ReplaceOne(ctx, bson.M{"kb": kb, "entity_key": e.Key},
			out, options.Replace().SetUpsert(true))
		if err != nil {
			return storeErr("save entity", err)
		}
	}

	for _, r := range relations {
		key := types.RelationKey(r.SourceKey, r.TargetKey, r.Type)
		var rec relationRecord
		err := b.relations.FindOne(ctx, bson.M{"kb": kb, "relation_key": key}).Decode(&rec)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			r.Weight = float64(len(r.Provenance))
		case err != nil:
			return storeErr("load relation", err)
		default:
			existing := types.Relation{
				SourceKey: rec.SourceKey, TargetKey: rec.TargetKey, Type: rec.Type,
				Weight: rec.Weight, Provenance: fromRefRecords(rec.Provenance),
			}
			store.MergeRelation(&existing, r)
			r = existing
		}
		out := relationRecord{
			KB: kb, Key: key, SourceKey: r.SourceKey, TargetKey: r.TargetKey,
			Type: r.Type, Weight: r.Weight, Provenance: toRefRecords(r.Provenance),
		}
		_, err = b.relations.ReplaceOne(ctx, bson.M{"kb": kb, "relation_key": key},
			out, options.Replace().SetUpsert(true))
		if err != nil {
			return storeErr("save relation", err)
		}
	}
	return nil
}

func (b *Backend) FindEntities(ctx context.Context, kb string, names []string) ([]types.Entity, error) {
	cur, err := b.entities.Find(ctx, bson.M{"kb": kb},
		options.Find().SetSort(bson.D{{Key: "entity_key", Value: 1}}))
	if err != nil {
		return nil, storeErr("load entities", err)
	}
	var recs []entityRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, storeErr("decode entities", err)
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[types.CanonicalName(n)] = true
	}
	var out []types.Entity
	for _, rec := range recs {
		e := types.Entity{
			Key: rec.Key, Name: rec.Name, Type: rec.Type,
			Aliases: rec.Aliases, Description: rec.Description,
			Provenance: fromRefRecords(rec.Provenance), CreatedAt: rec.CreatedAt,
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
	cur, err := b.relations.Find(ctx, bson.M{"kb": kb})
	if err != nil {
		return nil, storeErr("load relations", err)
	}
	var recs []relationRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, storeErr("decode relations", err)
	}
	relations := make(map[string]*types.Relation, len(recs))
	for _, rec := range recs {
		r := types.Relation{
			SourceKey: rec.SourceKey, TargetKey: rec.TargetKey, Type: rec.Type,
			Weight: rec.Weight, Provenance: fromRefRecords(rec.Provenance),
		}
		relations[rec.Key] = &r
	}
	return store.WalkNeighbors(relations, entityKeys, hops), nil
}

func (b *Backend) PruneGraph(ctx context.Context, kb, docID string) error {
	// 去除该文档贡献的来源
	_, err := b.relations.UpdateMany(ctx, bson.M{"kb": kb},
		bson.M{"$pull": bson.M{"provenance": bson.M{"document_id": docID}}})
	if err != nil {
		return storeErr("prune relation provenance", err)
	}
	// 权重重算
	cur, err := b.relations.Find(ctx, bson.M{"kb": kb})
	if err != nil {
		return storeErr("load relations", err)
	}
	var recs []relationRecord
	if err := cur.All(ctx, &recs); err != nil {
		return storeErr("decode relations", err)
	}
	for _, rec := range recs {
		weight := float64(len(rec.Provenance))
		if weight != rec.Weight {
			_, err = b.relations.UpdateOne(ctx, bson.M{"kb": kb, "relation_key": rec.Key},
				bson.M{"$set": bson.M{"weight": weight}})
			if err != nil {
				return storeErr("update relation weight", err)
			}
		}
	}
	if _, err := b.relations.DeleteMany(ctx, bson.M{"kb": kb, "provenance": bson.M{"$size": 0}}); err != nil {
		return storeErr("prune relations", err)
	}

	_, err = b.entities.UpdateMany(ctx, bson.M{"kb": kb},
		bson.M{"$pull": bson.M{"provenance": bson.M{"document_id": docID}}})
	if err != nil {
		return storeErr("prune entity provenance", err)
	}
	if _, err := b.entities.DeleteMany(ctx, bson.M{"kb": kb, "provenance": bson.M{"$size": 0}}); err != nil {
		return storeErr("prune entities", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}
