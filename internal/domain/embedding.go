package domain

import "context"

// EmbeddingProvider turns texts into fixed-dimension vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}
