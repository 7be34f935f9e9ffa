// Package whisper provides the speech-to-text adapter backed by an
// OpenAI-compatible transcription endpoint.
package whisper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/sashabaranov/go-openai"

	"github.com/book-expert/voice-assistant/internal/config"
	"github.com/book-expert/voice-assistant/internal/core"
)

// Error messages.
const (
	errFmtTranscriptionFailed = "transcription request for %s failed: %w"
)

// Log messages.
const (
	logFmtTranscribed = "Transcribed %s: %d segments, language=%s, duration=%.2fs"
)

// Client implements core.Transcriber. It is safe for concurrent use.
type Client struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
	log      *logger.Logger
}

// NewClient creates a transcription client from the transcriber configuration.
func NewClient(cfg config.TranscriberConfig, log *logger.Logger) *Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &Client{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    cfg.Model,
		language: cfg.Language,
		timeout:  cfg.Timeout(),
		log:      log,
	}
}

// Transcribe sends the recording at audioPath and returns its segments in order.
// The request completes before Transcribe returns, so the segments can be
// consumed after audioPath is removed.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (core.Segments, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: audioPath,
		Language: c.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf(errFmtTranscriptionFailed, audioPath, err)
	}

	c.log.Info(logFmtTranscribed, audioPath, len(resp.Segments), resp.Language, resp.Duration)

	texts := make([]string, 0, len(resp.Segments))
	for _, segment := range resp.Segments {
		texts = append(texts, segment.Text)
	}

	if len(texts) == 0 && resp.Text != "" {
		texts = append(texts, resp.Text)
	}

	return func(yield func(string, error) bool) {
		for _, text := range texts {
			if !yield(text, nil) {
				return
			}
		}
	}, nil
}
