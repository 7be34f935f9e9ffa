// Package core defines the core business types and capability interfaces for the
// voice assistant service.
package core

import (
	"context"
	"iter"
)

// ObjectStore saves blobs under a key in a key-value blob store.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message exchanged in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// VoiceProfile is the fixed reference sample used as the voice-cloning prompt.
type VoiceProfile struct {
	ReferenceWavPath    string
	ReferenceTranscript string
}

// Waveform is a decoded mono sample buffer.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// SynthesisRequest carries everything a single synthesis call needs.
type SynthesisRequest struct {
	Text  string
	Voice VoiceProfile
}

// Segments is a finite, ordered, single-use sequence of transcript fragments.
// A non-nil error ends the sequence.
type Segments = iter.Seq2[string, error]

// Transcriber converts recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (Segments, error)
}

// Responder generates a reply for a user prompt.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// Synthesizer renders text in the reference voice. Implementations are not
// required to be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (Waveform, error)
}

// InferenceScoper is implemented by synthesizers that need per-call setup
// and teardown around inference. The returned function ends the scope.
type InferenceScoper interface {
	BeginInference(ctx context.Context) (context.Context, func())
}

// ReplyArchive stores a finished reply recording and returns its key.
type ReplyArchive interface {
	Archive(ctx context.Context, wav []byte) (string, error)
}
