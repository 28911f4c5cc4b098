// Package embeddings defines the text-embedding collaborator used by the
// session stores to attach a vector to every conversation turn, so past
// answers can later be searched by meaning.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to a dense vector.
//
// Every vector returned by one Provider has length Dimensions(). The stores
// size their vector columns from Dimensions at migration time, so the value
// must be known without a network round trip.
type Provider interface {
	// Embed returns the vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the model identifier, for logs.
	ModelID() string
}
