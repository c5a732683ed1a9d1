package advisor

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/budgierless/vibeship-spark-intelligence-sub002/internal/embedding"
)

// SemanticIndex is the advisor's in-process vector index, an
// alternative to internal/knowledge/vector_store.go's chromem-go
// wrapper: embeddings are supplied directly (no EmbeddingFunc), since
// internal/embedding is a deterministic local embedder rather than a
// remote API client.
type SemanticIndex struct {
	db       *chromem.DB
	embedder embedding.Embedder
}

// NewSemanticIndex creates an in-memory vector index over embedder.
func NewSemanticIndex(embedder embedding.Embedder) *SemanticIndex {
	return &SemanticIndex{db: chromem.NewDB(), embedder: embedder}
}

func (si *SemanticIndex) collection(name string) (*chromem.Collection, error) {
	col := si.db.GetCollection(name, nil)
	if col != nil {
		return col, nil
	}
	return si.db.CreateCollection(name, nil, nil)
}

// Upsert embeds content and stores it under id in collectionName,
// overwriting any prior document with the same id.
func (si *SemanticIndex) Upsert(ctx context.Context, collectionName, id, content string) error {
	col, err := si.collection(collectionName)
	if err != nil {
		return fmt.Errorf("advisor: get collection %s: %w", collectionName, err)
	}
	emb, err := si.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("advisor: embed document: %w", err)
	}
	return col.AddDocument(ctx, chromem.Document{ID: id, Content: content, Embedding: emb})
}

// Query returns up to limit nearest documents to queryText in
// collectionName, ranked by cosine similarity. An absent or empty
// collection yields an empty result, not an error.
func (si *SemanticIndex) Query(ctx context.Context, collectionName, queryText string, limit int) ([]chromem.Result, error) {
	col := si.db.GetCollection(collectionName, nil)
	if col == nil || col.Count() == 0 {
		return nil, nil
	}
	if limit > col.Count() {
		limit = col.Count()
	}
	if limit <= 0 {
		return nil, nil
	}
	queryEmbedding, err := si.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("advisor: embed query: %w", err)
	}
	results, err := col.QueryEmbedding(ctx, queryEmbedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("advisor: query %s: %w", collectionName, err)
	}
	return results, nil
}
