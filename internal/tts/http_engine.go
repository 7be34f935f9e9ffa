package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/config"
	"github.com/book-expert/voice-assistant/internal/core"
)

// HealthCheckTimeout bounds a readiness probe against the synthesis service.
const HealthCheckTimeout = 10 * time.Second

const logFmtSynthesized = "Synthesized %d samples at %d Hz (%s) for %d characters"

// HTTPEngine implements core.Synthesizer on top of the voice-cloning HTTP service.
// It is not safe for concurrent use on its own; wrap it in a Gate.
type HTTPEngine struct {
	client   *HTTPClient
	language string
	temp     float64
	logger   *logger.Logger
}

// NewHTTPEngine creates an engine from the synthesizer configuration.
func NewHTTPEngine(cfg config.SynthesizerConfig, log *logger.Logger) *HTTPEngine {
	return NewHTTPEngineWithClient(cfg, log, NewHTTPClient(cfg.BaseURL, cfg.Timeout()))
}

// NewHTTPEngineWithClient creates an engine around an existing client.
func NewHTTPEngineWithClient(
	cfg config.SynthesizerConfig,
	log *logger.Logger,
	client *HTTPClient,
) *HTTPEngine {
	return &HTTPEngine{
		client:   client,
		language: cfg.Language,
		temp:     cfg.Temperature,
		logger:   log,
	}
}

// Synthesize renders req.Text in the reference voice and decodes the returned WAV.
func (e *HTTPEngine) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	wav, err := e.client.GenerateSpeech(ctx, Request{
		Text:          req.Text,
		PromptWavPath: req.Voice.ReferenceWavPath,
		PromptText:    req.Voice.ReferenceTranscript,
		Language:      e.language,
		Temperature:   e.temp,
	})
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to generate speech: %w", err)
	}

	waveform, err := audio.DecodeWAV(wav)
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to decode synthesized audio: %w", err)
	}

	e.logger.Info(logFmtSynthesized,
		len(waveform.Samples), waveform.SampleRate, audio.Duration(len(waveform.Samples), waveform.SampleRate), len(req.Text))

	return waveform, nil
}

// CheckHealth probes the synthesis service.
func (e *HTTPEngine) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	err := e.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("synthesis service health check failed: %w", err)
	}

	return nil
}
