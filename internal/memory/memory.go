// Package memory defines the daemon's archival memory interface and a
// sqlite-backed implementation used for transcripts and distilled wisdom.
package memory

import "context"

// CategoryCloudWisdom stores distilled tier-2 reasoning for reuse by tier 1.
const CategoryCloudWisdom = "cloud_wisdom"

// Chunk is one retrieved memory fragment.
type Chunk struct {
	Category string
	Content  string
	Score    float64
}

// Store is the archival memory interface the router depends on. The vector
// implementation is supplied externally; the core only needs these four
// operations.
type Store interface {
	// SearchMemory returns the top-k chunks of a category most similar to
	// the query.
	SearchMemory(ctx context.Context, category, query string, k int) ([]Chunk, error)

	// Memorize appends content to a category.
	Memorize(ctx context.Context, category, content string) error

	// GetCognitiveMap lists the known categories.
	GetCognitiveMap(ctx context.Context) ([]string, error)

	// ForgetMemory removes chunks matching contentMatch and returns how
	// many were removed.
	ForgetMemory(ctx context.Context, category, contentMatch string) (int, error)
}

// TranscriptStore persists completed chat turns.
type TranscriptStore interface {
	SaveExchange(ctx context.Context, sessionID, prompt, response string) error
}
