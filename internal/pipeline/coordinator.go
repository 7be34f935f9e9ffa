// Package pipeline runs the conversational flow: speech or text in, a spoken
// reply out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/conversation"
	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/metrics"
)

// Operation names carried by pipeline errors.
const (
	opChat       = "chat"
	opVoice      = "voice"
	opTranscribe = "transcribe"
	opRespond    = "respond"
	opEncode     = "encode"
)

// Input errors.
var (
	ErrEmptyMessage = errors.New("no message provided")
	ErrEmptyAudio   = errors.New("no audio provided")
	ErrNoSpeech     = errors.New("no speech detected")
)

// Construction errors.
var (
	ErrMissingTranscriber = errors.New("transcriber is required")
	ErrMissingResponder   = errors.New("responder is required")
	ErrMissingSpeech      = errors.New("speech gate is required")
	ErrMissingLogger      = errors.New("logger is required")
	ErrInvalidSampleRate  = errors.New("output sample rate must be positive")
)

// Speech renders reply text as a waveform. tts.Gate satisfies it.
type Speech interface {
	Synthesize(ctx context.Context, text string) (core.Waveform, error)
}

// TextNormalizer prepares reply text for speaking.
type TextNormalizer interface {
	Normalize(text string) string
}

// TextResult is the outcome of one text exchange. Audio is nil when the reply
// could not be voiced.
type TextResult struct {
	Reply    string
	Audio    *audio.EncodedAudio
	AudioKey string
}

// VoiceResult is the outcome of one spoken exchange.
type VoiceResult struct {
	Transcription string
	Reply         string
	Audio         *audio.EncodedAudio
	AudioKey      string
}

// Options wires a Coordinator. Normalizer, Archive and Metrics are optional.
type Options struct {
	Transcriber      core.Transcriber
	Responder        core.Responder
	Speech           Speech
	Normalizer       TextNormalizer
	Archive          core.ReplyArchive
	History          *conversation.Log
	Logger           *logger.Logger
	Metrics          *metrics.Metrics
	SampleRate       int
	ScratchDir       string
	ResponderTimeout time.Duration
}

// Coordinator owns the conversation log and drives each request through
// transcription, generation and synthesis. It is safe for concurrent use.
type Coordinator struct {
	transcriber      core.Transcriber
	responder        core.Responder
	speech           Speech
	normalizer       TextNormalizer
	archive          core.ReplyArchive
	history          *conversation.Log
	log              *logger.Logger
	metrics          *metrics.Metrics
	sampleRate       int
	scratchDir       string
	responderTimeout time.Duration
}

// New validates opts and creates a Coordinator. A nil History starts an empty log.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Transcriber == nil:
		return nil, ErrMissingTranscriber
	case opts.Responder == nil:
		return nil, ErrMissingResponder
	case opts.Speech == nil:
		return nil, ErrMissingSpeech
	case opts.Logger == nil:
		return nil, ErrMissingLogger
	case opts.SampleRate <= 0:
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSampleRate, opts.SampleRate)
	}

	history := opts.History
	if history == nil {
		history = conversation.NewLog()
	}

	return &Coordinator{
		transcriber:      opts.Transcriber,
		responder:        opts.Responder,
		speech:           opts.Speech,
		normalizer:       opts.Normalizer,
		archive:          opts.Archive,
		history:          history,
		log:              opts.Logger,
		metrics:          opts.Metrics,
		sampleRate:       opts.SampleRate,
		scratchDir:       opts.ScratchDir,
		responderTimeout: opts.ResponderTimeout,
	}, nil
}

// HandleText answers a typed message. An empty message fails with
// core.ErrInvalidInput and leaves the history untouched.
func (c *Coordinator) HandleText(ctx context.Context, message string) (TextResult, error) {
	if strings.TrimSpace(message) == "" {
		return TextResult{}, core.NewError(core.ErrInvalidInput, opChat, ErrEmptyMessage)
	}

	return c.converse(ctx, message)
}

// HandleVoice transcribes a recorded message and answers it. filename only
// selects the scratch file extension.
func (c *Coordinator) HandleVoice(ctx context.Context, recording []byte, filename string) (VoiceResult, error) {
	if len(recording) == 0 {
		return VoiceResult{}, core.NewError(core.ErrInvalidInput, opVoice, ErrEmptyAudio)
	}

	transcription, err := c.transcribe(ctx, recording, filename)
	if err != nil {
		return VoiceResult{}, err
	}

	result, err := c.converse(ctx, transcription)
	if err != nil {
		return VoiceResult{}, err
	}

	return VoiceResult{
		Transcription: transcription,
		Reply:         result.Reply,
		Audio:         result.Audio,
		AudioKey:      result.AudioKey,
	}, nil
}

// History returns a copy of the conversation so far.
func (c *Coordinator) History() []core.Turn {
	return c.history.Snapshot()
}

// ClearHistory empties the conversation. Replies still in flight are dropped.
func (c *Coordinator) ClearHistory() {
	c.history.Clear()
	c.metrics.SetHistoryTurns(0)
	c.log.Info("Conversation history cleared")
}

func (c *Coordinator) converse(ctx context.Context, message string) (TextResult, error) {
	exchange := c.history.Begin(core.Turn{Role: core.RoleUser, Content: message})

	reply, err := c.respond(ctx, message)
	if err != nil {
		c.metrics.SetHistoryTurns(c.history.Len())

		return TextResult{}, err
	}

	if !exchange.Complete(core.Turn{Role: core.RoleAssistant, Content: reply}) {
		c.log.Warn("History was cleared while generating; reply not recorded")
	}

	c.metrics.SetHistoryTurns(c.history.Len())

	result := TextResult{Reply: reply}
	result.Audio, result.AudioKey = c.voice(ctx, reply)

	return result, nil
}

func (c *Coordinator) respond(ctx context.Context, message string) (string, error) {
	if c.responderTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, c.responderTimeout)
		defer cancel()
	}

	started := time.Now()
	reply, err := c.responder.Respond(ctx, message)
	c.metrics.ObserveStage(metrics.StageRespond, started, err)

	if err != nil {
		c.log.Error("Reply generation failed: %v", err)

		return "", core.NewError(core.ErrGeneration, opRespond, err)
	}

	return reply, nil
}

func (c *Coordinator) transcribe(ctx context.Context, recording []byte, filename string) (string, error) {
	scratch, err := audio.NewScratchFile(c.scratchDir, recording, filename)
	if err != nil {
		return "", core.NewError(core.ErrTranscription, opTranscribe, err)
	}

	defer func() {
		closeErr := scratch.Close()
		if closeErr != nil {
			c.log.Warn("Failed to remove scratch audio: %v", closeErr)
		}
	}()

	started := time.Now()
	transcription, err := c.collectSegments(ctx, scratch.Path())
	c.metrics.ObserveStage(metrics.StageTranscribe, started, err)

	if err != nil {
		c.log.Error("Transcription failed: %v", err)

		return "", core.NewError(core.ErrTranscription, opTranscribe, err)
	}

	if transcription == "" {
		return "", core.NewError(core.ErrTranscription, opTranscribe, ErrNoSpeech)
	}

	c.log.Info("Transcribed %s of %s audio into %d characters",
		audio.FormatSize(len(recording)), audio.AudioExtension(filename), len(transcription))

	return transcription, nil
}

// collectSegments drains every segment in order, trimming each and skipping
// empty ones.
func (c *Coordinator) collectSegments(ctx context.Context, path string) (string, error) {
	segments, err := c.transcriber.Transcribe(ctx, path)
	if err != nil {
		return "", err
	}

	var parts []string

	for text, segErr := range segments {
		if segErr != nil {
			return "", segErr
		}

		text = strings.TrimSpace(text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// voice synthesizes and encodes reply. Every failure here degrades to a reply
// without audio.
func (c *Coordinator) voice(ctx context.Context, reply string) (*audio.EncodedAudio, string) {
	text := reply
	if c.normalizer != nil {
		if normalized := c.normalizer.Normalize(reply); normalized != "" {
			text = normalized
		}
	}

	waveform, err := c.speech.Synthesize(ctx, text)
	if err != nil {
		c.log.Warn("Replying without audio: %v", err)
		c.metrics.AudioDropped()

		return nil, ""
	}

	started := time.Now()
	wav, err := c.encode(waveform)
	c.metrics.ObserveStage(metrics.StageEncode, started, err)

	if err != nil {
		c.log.Error("Replying without audio: %v", core.NewError(core.ErrEncoding, opEncode, err))
		c.metrics.AudioDropped()

		return nil, ""
	}

	c.log.Info("Voiced %d characters as %s of audio (%s)",
		len(text), audio.Duration(len(waveform.Samples), sampleRateOr(waveform.SampleRate, c.sampleRate)), audio.FormatSize(len(wav)))

	encoded := audio.EncodeContainer(wav)

	return &encoded, c.archiveReply(ctx, wav)
}

// encode writes waveform as a WAV at the output rate, resampling when the
// synthesizer reported a different rate. A waveform with no rate is taken to be
// at the output rate already.
func (c *Coordinator) encode(waveform core.Waveform) ([]byte, error) {
	samples := waveform.Samples

	if waveform.SampleRate > 0 && waveform.SampleRate != c.sampleRate {
		resampled, err := audio.Resample(samples, waveform.SampleRate, c.sampleRate)
		if err != nil {
			return nil, err
		}

		c.log.Info("Resampled reply audio from %d Hz to %d Hz", waveform.SampleRate, c.sampleRate)

		samples = resampled
	}

	return audio.EncodeWAV(samples, c.sampleRate)
}

func (c *Coordinator) archiveReply(ctx context.Context, wav []byte) string {
	if c.archive == nil {
		return ""
	}

	started := time.Now()
	key, err := c.archive.Archive(ctx, wav)
	c.metrics.ObserveStage(metrics.StageArchive, started, err)

	if err != nil {
		c.log.Warn("Failed to archive reply audio: %v", err)

		return ""
	}

	return key
}

func sampleRateOr(rate, fallback int) int {
	if rate > 0 {
		return rate
	}

	return fallback
}
