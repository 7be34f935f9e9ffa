// Package config provides the configuration structure for the voice assistant service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Default values applied to zero-valued fields.
const (
	DefaultAddress          = "0.0.0.0"
	DefaultPort             = 1111
	DefaultMaxUploadBytes   = 25 << 20
	DefaultSampleRate       = 44100
	DefaultTranscriberModel = "whisper-1"
	DefaultTranscriberURL   = "https://api.openai.com/v1"
	DefaultResponderModel   = "gemini-2.5-flash"
	DefaultResponderURL     = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultSynthesizerURL   = "http://localhost:8000"
	DefaultReferenceWavPath = "reference_audio.wav"
	DefaultTimeoutSeconds   = 120
	DefaultChatSubject      = "assistant.chat"
	DefaultAudioSubject     = "assistant.audio.created"
	DefaultAudioBucket      = "ASSISTANT_AUDIO"

	// DefaultReferenceTranscript is the exact transcript of the bundled reference clip.
	DefaultReferenceTranscript = "有许多人凭着自身的努力或者说幸运站在了潮头之上，在潮头之上是风光无限、诱惑无限，也风险无限，" +
		"就看你如何把握了。看未来远不如看过去要来得清楚，激昂和困惑交织在每一个人的心头，" +
		"要留一份敬畏在心中，看别的可以模糊，但看底线一定要清楚。"
)

// Environment variables consulted when the file leaves an API key empty.
const (
	envOpenAIAPIKey = "OPENAI_API_KEY"
	envGeminiAPIKey = "GEMINI_API_KEY"
)

const maxPort = 65535

// Validation errors.
var (
	ErrInvalidPort          = errors.New("port must be between 1 and 65535")
	ErrInvalidSampleRate    = errors.New("sample rate must be positive")
	ErrInvalidTimeout       = errors.New("timeout must be positive")
	ErrInvalidUploadLimit   = errors.New("max upload bytes must be positive")
	ErrInvalidRateLimit     = errors.New("requests per second and burst must be non-negative")
	ErrEmptyReferencePath   = errors.New("reference wav path cannot be empty")
	ErrEmptyReferenceText   = errors.New("reference transcript cannot be empty")
	ErrEmptySynthesizerURL  = errors.New("synthesizer base url cannot be empty")
	ErrEmptyResponderModel  = errors.New("responder model cannot be empty")
	ErrEmptyNATSURL         = errors.New("nats url cannot be empty when nats is enabled")
	ErrMissingArchiveBucket = errors.New("audio object store bucket cannot be empty when archiving")
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address           string  `toml:"address"`
	Port              int     `toml:"port"`
	MaxUploadBytes    int64   `toml:"max_upload_bytes"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// TranscriberConfig holds the speech-to-text endpoint settings.
type TranscriberConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ResponderConfig holds the text generation endpoint settings.
type ResponderConfig struct {
	BaseURL        string  `toml:"base_url"`
	APIKey         string  `toml:"api_key"`
	Model          string  `toml:"model"`
	SystemPrompt   string  `toml:"system_prompt"`
	Temperature    float32 `toml:"temperature"`
	MaxTokens      int     `toml:"max_tokens"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// SynthesizerConfig holds the voice-cloning service settings.
type SynthesizerConfig struct {
	BaseURL        string  `toml:"base_url"`
	Language       string  `toml:"language"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	SampleRate     int     `toml:"sample_rate"`
	NormalizeText  bool    `toml:"normalize_text"`

	// Command, when set, runs a local voice-cloning binary instead of calling BaseURL.
	Command string `toml:"command"`
}

// VoiceConfig describes the reference voice used for cloning.
type VoiceConfig struct {
	ReferenceWavPath    string `toml:"reference_wav_path"`
	ReferenceTranscript string `toml:"reference_transcript"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled                bool   `toml:"enabled"`
	URL                    string `toml:"url"`
	ChatSubject            string `toml:"chat_subject"`
	AudioCreatedSubject    string `toml:"audio_created_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	ArchiveEnabled         bool   `toml:"archive_enabled"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	ScratchDir  string `toml:"scratch_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Transcriber TranscriberConfig `toml:"transcriber"`
	Responder   ResponderConfig   `toml:"responder"`
	Synthesizer SynthesizerConfig `toml:"synthesizer"`
	Voice       VoiceConfig       `toml:"voice"`
	NATS        NATSConfig        `toml:"nats"`
	Paths       PathsConfig       `toml:"paths"`
}

// Load loads the project configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads an explicit TOML file instead of searching for the project file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data, applies defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a sensible default.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Address, DefaultAddress)
	setInt(&c.Server.Port, DefaultPort)

	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}

	setString(&c.Transcriber.BaseURL, DefaultTranscriberURL)
	setString(&c.Transcriber.Model, DefaultTranscriberModel)
	setString(&c.Transcriber.APIKey, os.Getenv(envOpenAIAPIKey))
	setInt(&c.Transcriber.TimeoutSeconds, DefaultTimeoutSeconds)

	setString(&c.Responder.BaseURL, DefaultResponderURL)
	setString(&c.Responder.Model, DefaultResponderModel)
	setString(&c.Responder.APIKey, os.Getenv(envGeminiAPIKey))
	setInt(&c.Responder.TimeoutSeconds, DefaultTimeoutSeconds)

	setString(&c.Synthesizer.BaseURL, DefaultSynthesizerURL)
	setInt(&c.Synthesizer.TimeoutSeconds, DefaultTimeoutSeconds)
	setInt(&c.Synthesizer.SampleRate, DefaultSampleRate)

	setString(&c.Voice.ReferenceWavPath, DefaultReferenceWavPath)
	setString(&c.Voice.ReferenceTranscript, DefaultReferenceTranscript)

	setString(&c.NATS.ChatSubject, DefaultChatSubject)
	setString(&c.NATS.AudioCreatedSubject, DefaultAudioSubject)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultAudioBucket)

	setString(&c.Paths.BaseLogsDir, os.TempDir())
	setString(&c.Paths.ScratchDir, os.TempDir())
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Server.MaxUploadBytes <= 0 {
		return ErrInvalidUploadLimit
	}

	if c.Server.RequestsPerSecond < 0 || c.Server.Burst < 0 {
		return ErrInvalidRateLimit
	}

	if c.Synthesizer.SampleRate <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidSampleRate, c.Synthesizer.SampleRate)
	}

	if c.Transcriber.TimeoutSeconds <= 0 || c.Responder.TimeoutSeconds <= 0 ||
		c.Synthesizer.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}

	if c.Synthesizer.BaseURL == "" && c.Synthesizer.Command == "" {
		return ErrEmptySynthesizerURL
	}

	if c.Responder.Model == "" {
		return ErrEmptyResponderModel
	}

	if c.Voice.ReferenceWavPath == "" {
		return ErrEmptyReferencePath
	}

	if c.Voice.ReferenceTranscript == "" {
		return ErrEmptyReferenceText
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return ErrEmptyNATSURL
	}

	if c.NATS.ArchiveEnabled && c.NATS.AudioObjectStoreBucket == "" {
		return ErrMissingArchiveBucket
	}

	return nil
}

// ListenAddress returns the host:port the HTTP server binds to.
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// Timeout returns the transcription timeout as a time.Duration.
func (t *TranscriberConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Timeout returns the generation timeout as a time.Duration.
func (r *ResponderConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Timeout returns the synthesis timeout as a time.Duration.
func (s *SynthesizerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}
