// Package anthropic implements llm.Provider on the Anthropic Messages
// API through the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/awarenet/relmem-go/pkg/llm"
)

// Config configures the Anthropic client.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model selects the model. Defaults to claude-3-5-haiku-latest.
	Model string
}

// Client generates completions through the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClient creates an Anthropic client from cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic llm: api key is required")
	}

	model := anthropic.Model(cfg.Model)
	if cfg.Model == "" {
		model = "claude-3-5-haiku-latest"
	}

	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}, nil
}

// Generate produces a completion for a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages produces a completion for a conversation. The
// Messages API takes system turns out of band, so system messages are
// lifted into the request's system field.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case "assistant":
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(options.MaxTokens),
		Messages:  turns,
	}
	if len(system) > 0 {
		params.System = system
	}
	if options.Temperature > 0 {
		params.Temperature = anthropic.Float(options.Temperature)
	}
	if options.TopP > 0 && options.TopP < 1 {
		params.TopP = anthropic.Float(options.TopP)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic llm: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic llm: empty response")
	}
	return out.String(), nil
}

// Close is a no-op; the underlying SDK holds no persistent connection.
func (c *Client) Close() error {
	return nil
}
