package llm

import "context"

// Embedder turns texts into dense vectors. Output order matches input
// order and every vector is L2-normalized.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Reranker scores candidate documents against a query with a
// cross-encoder. Results come back sorted by score descending.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)
}

// Completer produces chat completions, synchronous or streamed.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error)
}

// VisionDescriber captions an image.
type VisionDescriber interface {
	Describe(ctx context.Context, req DescribeRequest) (string, error)
}
