// Package openai implements llm.Provider on the OpenAI chat API.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/awarenet/relmem-go/pkg/llm"
)

// Config configures the OpenAI chat client.
type Config struct {
	// APIKey authenticates against the API. Required.
	APIKey string

	// Model selects the chat model. Defaults to gpt-4o-mini, which is
	// plenty for the short classification prompts used here.
	Model string

	// BaseURL overrides the API endpoint, for proxies and
	// OpenAI-compatible servers.
	BaseURL string
}

// Client generates completions through the OpenAI chat API.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient creates an OpenAI chat client from cfg.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai llm: api key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}, nil
}

// Generate produces a completion for a single user prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return c.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

// GenerateWithMessages produces a completion for a conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []llm.Message, opts ...llm.GenerateOption) (string, error) {
	options := llm.ApplyGenerateOptions(opts)

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMessages,
		Temperature: float32(options.Temperature),
		MaxTokens:   options.MaxTokens,
		TopP:        float32(options.TopP),
		Stop:        options.Stop,
	})
	if err != nil {
		return "", fmt.Errorf("openai llm: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai llm: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the underlying SDK holds no persistent connection.
func (c *Client) Close() error {
	return nil
}
