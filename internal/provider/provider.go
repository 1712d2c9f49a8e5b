// Package provider defines the opaque model-provider boundary: a one-way
// request carrying the prompt and a token ceiling, answered by a stream of
// incremental text. The ceiling is the enforcement point that translates a
// monetary limit into a token limit.
package provider

import (
	"context"
)

type Request struct {
	System          string
	Messages        []Message
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
	TopK            int
}

type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

type Provider interface {
	// StreamGenerate opens a token stream. The returned channel is closed by
	// the provider; a Chunk carries either a text delta, a terminal Done, or
	// a terminal Err.
	StreamGenerate(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}
