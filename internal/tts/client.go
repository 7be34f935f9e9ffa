// Package tts provides the voice-cloning synthesis adapters and the gate that
// serializes access to them.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	contentTypeXWAV   = "audio/x-wav"
)

// Default values.
const (
	defaultTemperature = 0.7
	maxErrorBodyBytes  = 4096
)

// Error messages.
const (
	errFmtUnexpectedContentType = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode  = "synthesis service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus    = "synthesis service returned non-OK status: %s, body: %s"
)

// Client errors.
var (
	ErrTextCannotBeEmpty   = errors.New("text cannot be empty")
	ErrPromptCannotBeEmpty = errors.New("reference wav path and transcript are required")
	ErrReceivedEmptyAudio  = errors.New("received empty audio data")
)

// HTTPClient talks to a standalone voice-cloning HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// Request is the JSON payload of a speech generation call.
type Request struct {
	// Text is the reply to speak.
	Text string `json:"text"`

	// PromptWavPath is the server-side path of the reference recording.
	PromptWavPath string `json:"prompt_wav_path"`

	// PromptText is the exact transcript of the reference recording.
	PromptText string `json:"prompt_text"`

	Language    string  `json:"language,omitempty"`
	Temperature float64 `json:"temperature"`
}

// ErrorResponse is the structured error body returned by the service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL (for example
// "http://localhost:8000"). Per-call deadlines come from the request context;
// timeout is the transport-level ceiling.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GenerateSpeech requests a WAV rendering of req.Text in the reference voice.
func (c *HTTPClient) GenerateSpeech(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextCannotBeEmpty
	}

	if req.PromptWavPath == "" || req.PromptText == "" {
		return nil, ErrPromptCannotBeEmpty
	}

	if req.Temperature == 0 {
		req.Temperature = defaultTemperature
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to send request to synthesis service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !isWAVContentType(contentType) {
		return nil, fmt.Errorf(errFmtUnexpectedContentType, contentType)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the synthesis service is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse prefers the structured error body and falls back to the raw
// text so diagnostics are never lost.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode,
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(
		errFmtServiceNonOKStatus,
		resp.Status,
		strings.TrimSpace(string(body)),
	)
}

func isWAVContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)

	return mediaType == contentTypeWAV || mediaType == contentTypeXWAV
}
