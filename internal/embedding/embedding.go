// Package embedding defines the call contract to the external embedding
// provider and an implementation for OpenAI-compatible endpoints.
package embedding

import (
	"context"
	"fmt"
)

// Embedder is the narrow contract the ingestion pipeline depends on.
// The vector dimension is fixed per project and must match the target
// vector column width; implementations verify it on every response.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// DimensionError reports an embedding whose length does not match the
// configured dimension.
type DimensionError struct {
	Model string
	Got   int
	Want  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: got %d, want %d (model %s)",
		e.Got, e.Want, e.Model)
}
