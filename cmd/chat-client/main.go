package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-assistant/internal/api"
	"github.com/book-expert/voice-assistant/internal/audio"
)

// Flag descriptions.
const (
	flagServerDesc  = "Base URL of the voice assistant"
	flagTextDesc    = "Message to send to /chat"
	flagVoiceDesc   = "Recording to send to /voice"
	flagOutputDesc  = "Where to save the spoken reply (.wav)"
	flagHistoryDesc = "Print the conversation history and exit"
	flagClearDesc   = "Clear the conversation history and exit"
	flagHealthDesc  = "Check assistant health and exit"
	flagTimeoutDesc = "Request timeout"
)

// Flag names.
const (
	flagServer  = "server"
	flagText    = "text"
	flagVoice   = "voice"
	flagOutput  = "output"
	flagHistory = "history"
	flagClear   = "clear"
	flagHealth  = "health"
	flagTimeout = "timeout"
)

// Error messages.
const (
	errEitherTextOrVoice = "either --text or --voice must be provided"
	errCannotSpecifyBoth = "cannot specify both --text and --voice"
	errServiceNotHealthy = "assistant is not healthy: %s"
	errRequestFailed     = "%s returned %d: %s"
)

const (
	defaultServer     = "http://localhost:1111"
	defaultOutputFile = "reply.wav"
	defaultTimeout    = 5 * time.Minute
	logFileName       = "chat-client.log"
	formFieldAudio    = "audio"
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server  string
	text    string
	voice   string
	output  string
	history bool
	clear   bool
	health  bool
	timeout time.Duration
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := newChatClient(flags.server, flags.timeout)

	switch {
	case flags.health:
		return client.health(ctx, out)
	case flags.history:
		return client.history(ctx, out)
	case flags.clear:
		return client.clear(ctx, out)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	clientLog.Info("Sending %s request to %s", requestKind(flags), flags.server)

	return client.converse(ctx, flags, out)
}

// parseFlags parses args into a fresh flag set.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	fs := flag.NewFlagSet("chat-client", flag.ContinueOnError)
	fs.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	fs.StringVar(&flags.text, flagText, "", flagTextDesc)
	fs.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	fs.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	fs.BoolVar(&flags.history, flagHistory, false, flagHistoryDesc)
	fs.BoolVar(&flags.clear, flagClear, false, flagClearDesc)
	fs.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	fs.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := fs.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks that exactly one of --text and --voice was given.
func validateFlags(flags appFlags) error {
	if flags.text == "" && flags.voice == "" {
		return errors.New(errEitherTextOrVoice)
	}

	if flags.text != "" && flags.voice != "" {
		return errors.New(errCannotSpecifyBoth)
	}

	return nil
}

func requestKind(flags appFlags) string {
	if flags.voice != "" {
		return "voice"
	}

	return "chat"
}

type chatClient struct {
	baseURL    string
	httpClient *http.Client
}

func newChatClient(baseURL string, timeout time.Duration) *chatClient {
	return &chatClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// converse sends the message or recording, prints the reply, and saves any audio.
func (c *chatClient) converse(ctx context.Context, flags appFlags, out io.Writer) error {
	var (
		reply api.VoiceResponse
		err   error
	)

	if flags.voice != "" {
		err = c.sendVoice(ctx, flags.voice, &reply)
	} else {
		err = c.sendChat(ctx, flags.text, &reply)
	}

	if err != nil {
		return err
	}

	if reply.Transcription != "" {
		fmt.Fprintf(out, "You said: %s\n", reply.Transcription)
	}

	fmt.Fprintf(out, "Assistant: %s\n", reply.Message)

	if reply.Audio == nil {
		fmt.Fprintln(out, "(no audio)")

		return nil
	}

	return saveAudio(*reply.Audio, flags.output, out)
}

func (c *chatClient) sendChat(ctx context.Context, message string, reply *api.VoiceResponse) error {
	body, err := json.Marshal(api.ChatRequest{Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/chat", "application/json", bytes.NewReader(body), reply)
}

func (c *chatClient) sendVoice(ctx context.Context, path string, reply *api.VoiceResponse) error {
	recording, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read recording %s: %w", path, err)
	}

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(formFieldAudio, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(recording)
	if err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("failed to close multipart body: %w", err)
	}

	return c.do(ctx, http.MethodPost, "/voice", writer.FormDataContentType(), &body, reply)
}

func (c *chatClient) history(ctx context.Context, out io.Writer) error {
	var response api.HistoryResponse

	err := c.do(ctx, http.MethodGet, "/history", "", nil, &response)
	if err != nil {
		return err
	}

	for _, turn := range response.History {
		fmt.Fprintf(out, "%s: %s\n", turn.Role, turn.Content)
	}

	return nil
}

func (c *chatClient) clear(ctx context.Context, out io.Writer) error {
	var response api.ClearResponse

	err := c.do(ctx, http.MethodPost, "/clear", "", nil, &response)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "History cleared")

	return nil
}

func (c *chatClient) health(ctx context.Context, out io.Writer) error {
	var response api.HealthResponse

	err := c.do(ctx, http.MethodGet, "/health", "", nil, &response)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Assistant is %s\n", response.Status)

	return nil
}

// do sends one request and decodes a 200 response into target. Any other
// status is returned as an error carrying the server's message.
func (c *chatClient) do(ctx context.Context, method, path, contentType string, body io.Reader, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp.StatusCode, data)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}

	return nil
}

func responseError(path string, status int, data []byte) error {
	var health api.HealthResponse

	if path == "/health" && json.Unmarshal(data, &health) == nil && health.Error != "" {
		return fmt.Errorf(errServiceNotHealthy, health.Error)
	}

	var failure api.ErrorResponse

	message := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
		message = failure.Error
	}

	return fmt.Errorf(errRequestFailed, path, status, message)
}

func saveAudio(encoded audio.EncodedAudio, outputPath string, out io.Writer) error {
	wav, err := audio.DecodeContainer(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode reply audio: %w", err)
	}

	err = os.WriteFile(outputPath, wav, 0o600)
	if err != nil {
		return fmt.Errorf("failed to save reply audio to %s: %w", outputPath, err)
	}

	fmt.Fprintf(out, "Saved reply audio to %s\n", outputPath)

	return nil
}
