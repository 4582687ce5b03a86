package convo

import (
	"context"
	"fmt"

	"reservoir/internal/persistence/databases"
)

// VectorIndexStore decorates a Store, usually a *Neo4jStore, replacing its
// similarity search with an external pluggable vector index (pgvector or
// Qdrant) while leaving graph relations (RESPONDED_WITH, SYNAPSE, recency,
// thread traversal) in the graph database. This is the split-out-the-index
// deployment shape named by RESERVOIR_VECTOR_BACKEND.
type VectorIndexStore struct {
	Store
	index     databases.VectorStore
	resolve   func(ctx context.Context, id string) (Message, error)
	dimension int
}

// NewVectorIndexStore wraps base, whose Get method resolves a node id back
// to a full Message, with an external similarity index.
func NewVectorIndexStore(base interface {
	Store
	Get(ctx context.Context, id string) (Message, error)
}, index databases.VectorStore) *VectorIndexStore {
	return &VectorIndexStore{Store: base, index: index, resolve: base.Get}
}

func (v *VectorIndexStore) StoreMessage(ctx context.Context, m Message) (string, error) {
	id, err := v.Store.StoreMessage(ctx, m)
	if err != nil {
		return "", err
	}
	if len(m.Embedding) > 0 {
		meta := map[string]string{"partition": m.Partition, "instance": m.Instance}
		if err := v.index.Upsert(ctx, id, m.Embedding, meta); err != nil {
			return id, fmt.Errorf("vector index upsert: %w", err)
		}
	}
	return id, nil
}

func (v *VectorIndexStore) Similar(ctx context.Context, partition, instance string, vector []float32, k int, threshold float64) ([]Scored, error) {
	results, err := v.index.SimilaritySearch(ctx, vector, k, map[string]string{"partition": partition, "instance": instance})
	if err != nil {
		return nil, err
	}
	out := make([]Scored, 0, len(results))
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		msg, err := v.resolve(ctx, r.ID)
		if err != nil {
			continue
		}
		out = append(out, Scored{Message: msg, Score: r.Score})
	}
	return out, nil
}
