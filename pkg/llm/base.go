// Package llm abstracts the language-model backends used for entity
// extraction, relation classification and conflict arbitration.
//
// Every call site in this codebase has a deterministic rule-based
// fallback, so a Provider is always optional: a nil provider degrades
// behavior, it never breaks it.
package llm

import "context"

// Provider is the contract for chat-completion backends.
type Provider interface {
	// Generate produces a completion for a single prompt.
	Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error)

	// GenerateWithMessages produces a completion for a conversation,
	// including system and assistant turns.
	GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error)

	// Close releases provider resources.
	Close() error
}

// Message is one turn of a conversation.
type Message struct {
	// Role is "system", "user" or "assistant".
	Role string `json:"role"`

	// Content is the turn's text.
	Content string `json:"content"`
}

// GenerateOptions holds sampling parameters for one call.
type GenerateOptions struct {
	// Temperature controls randomness. Classification prompts in this
	// codebase always pass 0 for reproducible output.
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int

	// TopP controls nucleus sampling.
	TopP float64

	// Stop ends generation when any sequence is produced.
	Stop []string
}

// GenerateOption configures a single generation call.
type GenerateOption func(*GenerateOptions)

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.Temperature = temp
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(max int) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.MaxTokens = max
	}
}

// WithTopP sets the nucleus-sampling parameter.
func WithTopP(topP float64) GenerateOption {
	return func(opts *GenerateOptions) {
		opts.TopP = topP
	}
}

// ApplyGenerateOptions resolves a call's options over the defaults.
// Defaults: Temperature=0.7, MaxTokens=1000, TopP=1.0.
func ApplyGenerateOptions(opts []GenerateOption) *GenerateOptions {
	options := &GenerateOptions{
		Temperature: 0.7,
		MaxTokens:   1000,
		TopP:        1.0,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
