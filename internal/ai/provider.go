package ai

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is a token usage triple.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// CompletionResponse carries the provider-reported usage when present.
type CompletionResponse struct {
	Text  string
	Usage *Usage
}

// ChunkStream is a pull-based provider stream. Recv returns io.EOF once the
// provider has finished. Close releases the underlying connection.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// Client is a provider client bound to one selected credential.
type Client interface {
	// RateKey identifies the secret the client was built from.
	RateKey() string
	CreateEmbedding(ctx context.Context, text, model string) ([]float32, error)
	CreateChatCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req CompletionRequest) (ChunkStream, error)
}
