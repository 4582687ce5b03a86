// Package databases provides pluggable backends for the similarity vector
// index that sits behind the conversation store. Neo4j's own vector index
// (see internal/convo) is the default; this package exists for deployments
// that want the index split out onto Postgres/pgvector or Qdrant instead.
package databases

import "context"

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default.
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector index.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Manager holds the concrete vector backend resolved from configuration.
type Manager struct {
	Vector VectorStore
}

// Close releases the backend's client when the backend has a Close method
// (the Qdrant backend). It's a no-op for the memory and none backends; the
// postgres backend has no Close method, so its pool is not released here.
func (m Manager) Close() {
	switch c := m.Vector.(type) {
	case interface{ Close() }:
		c.Close()
	case interface{ Close() error }:
		_ = c.Close()
	}
}
