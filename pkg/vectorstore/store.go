// Package vectorstore provides similarity search over embedding vectors.
// Points are keyed by extraction id so upserts are idempotent on retry.
package vectorstore

import (
	"context"
)

// Point is a single vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Scored is a search hit.
type Scored struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter restricts a search to points whose payload matches every entry.
type Filter map[string]string

// Store is the vector store contract.
type Store interface {
	// EnsureCollection creates the backing collection if it does not exist.
	EnsureCollection(ctx context.Context) error

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns up to limit points nearest to vector, best first.
	Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Scored, error)

	// Delete removes points by id. Missing ids are not an error.
	Delete(ctx context.Context, ids []string) error
}
