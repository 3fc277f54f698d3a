// Package llm provides the text-generation collaborator contract.
package llm

import (
	"context"
)

// GenerateOptions configures a generation request.
type GenerateOptions struct {
	// Model specifies the model to use (e.g., "llama3.2").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// LLM defines the interface for text-generation clients. Both answer
// synthesis and joint query-passage scoring go through this contract.
type LLM interface {
	// Generate sends a prompt and blocks until the full response is
	// received or the context is done.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
