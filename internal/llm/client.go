// Package llm provides the reply generator backed by an OpenAI-compatible
// chat completion endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/sashabaranov/go-openai"

	"github.com/book-expert/voice-assistant/internal/config"
)

// Generation errors.
var (
	ErrNoChoices    = errors.New("completion returned no choices")
	ErrEmptyContent = errors.New("completion returned empty content")
)

const logFmtCompletion = "Generated reply with %s: %d characters, finish=%s, tokens=%d"

// Client implements core.Responder. It is safe for concurrent use.
type Client struct {
	client       *openai.Client
	model        string
	systemPrompt string
	temperature  float32
	maxTokens    int
	timeout      time.Duration
	log          *logger.Logger
}

// NewClient creates a responder from the responder configuration.
func NewClient(cfg config.ResponderConfig, log *logger.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Client{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout(),
		log:          log,
	}
}

// Respond generates a single reply to prompt. Previous turns are not sent.
func (c *Client) Respond(ctx context.Context, prompt string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to create completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	choice := resp.Choices[0]

	reply := strings.TrimSpace(choice.Message.Content)
	if reply == "" {
		return "", fmt.Errorf("%w (finish reason: %s)", ErrEmptyContent, choice.FinishReason)
	}

	c.log.Info(logFmtCompletion, c.model, len(reply), choice.FinishReason, resp.Usage.TotalTokens)

	return reply, nil
}

func (c *Client) buildRequest(prompt string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)

	if c.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.systemPrompt,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
}
