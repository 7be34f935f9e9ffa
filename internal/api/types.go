// Package api defines the JSON bodies exchanged with clients over HTTP and NATS.
package api

import (
	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/pipeline"
)

// ChatRequest is the body of POST /chat and of a NATS chat request.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse answers a ChatRequest. Audio is null when the reply could not be voiced.
type ChatResponse struct {
	Message  string              `json:"message"`
	Audio    *audio.EncodedAudio `json:"audio"`
	AudioKey string              `json:"audio_key,omitempty"`
}

// VoiceResponse answers POST /voice.
type VoiceResponse struct {
	Transcription string              `json:"transcription"`
	Message       string              `json:"message"`
	Audio         *audio.EncodedAudio `json:"audio"`
	AudioKey      string              `json:"audio_key,omitempty"`
}

// HistoryResponse answers GET /history.
type HistoryResponse struct {
	History []core.Turn `json:"history"`
}

// ClearResponse answers POST /clear.
type ClearResponse struct {
	Success bool `json:"success"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse carries a failure message.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewChatResponse converts a text result.
func NewChatResponse(result pipeline.TextResult) ChatResponse {
	return ChatResponse{
		Message:  result.Reply,
		Audio:    result.Audio,
		AudioKey: result.AudioKey,
	}
}

// NewVoiceResponse converts a voice result.
func NewVoiceResponse(result pipeline.VoiceResult) VoiceResponse {
	return VoiceResponse{
		Transcription: result.Transcription,
		Message:       result.Reply,
		Audio:         result.Audio,
		AudioKey:      result.AudioKey,
	}
}

// NewHistoryResponse wraps turns, encoding an empty history as [] rather than null.
func NewHistoryResponse(turns []core.Turn) HistoryResponse {
	if turns == nil {
		turns = []core.Turn{}
	}

	return HistoryResponse{History: turns}
}
