// Package embedding defines the boundary between vectorion and whatever
// upstream system turns source content into vectors.
//
// ARCHITECTURE NOTE:
// Vectorion does NOT generate embeddings or read source files. Callers are
// responsible for:
//   - Chunking and embedding generation (TF-IDF/BM25/BERT/etc.)
//   - Sending pre-embedded vectors to vectorion for storage and search
//
// Vectorion is responsible for:
//   - Receiving pre-embedded vectors
//   - Indexing, storing, and searching them
//
// This package defines the minimal provider interface that
// api.Service.SearchText delegates text-to-vector conversion to — there
// is no concrete implementation in this module.
package embedding

// Provider describes an external embedding source without implementing
// one. A caller wiring its own embedding pipeline in front of vectorion
// implements this and attaches it with api.Service.SetEmbedder.
type Provider interface {
	// Name identifies the provider, e.g. "openai:text-embedding-3-small".
	Name() string

	// Dimension returns the fixed vector length this provider produces.
	Dimension() int

	// Embed turns text into a vector. api.Service.SearchText calls it to
	// turn a text query into the search vector.
	Embed(text string) ([]float32, error)
}
