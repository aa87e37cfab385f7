package ai

import "context"

// DefaultMaxTokens bounds generation length when the caller does not ask
// for a specific budget.
const DefaultMaxTokens = 1000

// Provider generates a streamed completion for a prompt. StreamGenerate
// returns immediately with two channels; both are closed when the stream
// ends. Deltas arrive in generation order, and a provider failure is
// delivered on the error channel before the channels close.
type Provider interface {
	StreamGenerate(ctx context.Context, prompt string, maxTokens int) (<-chan string, <-chan error)
}
