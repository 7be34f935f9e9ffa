// main package for the voice-assistant service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/config"
	"github.com/book-expert/voice-assistant/internal/conversation"
	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/llm"
	"github.com/book-expert/voice-assistant/internal/metrics"
	"github.com/book-expert/voice-assistant/internal/objectstore"
	"github.com/book-expert/voice-assistant/internal/pipeline"
	"github.com/book-expert/voice-assistant/internal/server"
	"github.com/book-expert/voice-assistant/internal/tts"
	"github.com/book-expert/voice-assistant/internal/tts/text"
	"github.com/book-expert/voice-assistant/internal/whisper"
	"github.com/book-expert/voice-assistant/internal/worker"
)

const (
	bootstrapLogFile = "voice-assistant-bootstrap.log"
	serviceLogFile   = "voice-assistant.log"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// synthesizer picks the local command engine when one is configured and the
// HTTP voice-cloning service otherwise. health is nil for the command engine.
func synthesizer(cfg *config.Config, log *logger.Logger) (core.Synthesizer, server.HealthChecker, error) {
	if cfg.Synthesizer.Command != "" {
		engine, err := tts.NewCommandEngine(cfg.Synthesizer.Command, cfg.Paths.ScratchDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create command synthesizer: %w", err)
		}

		log.Info("Using local synthesizer command %s", cfg.Synthesizer.Command)

		return engine, nil, nil
	}

	engine := tts.NewHTTPEngine(cfg.Synthesizer, log)
	log.Info("Using synthesizer service at %s", cfg.Synthesizer.BaseURL)

	return engine, engine, nil
}

// connectNATS opens the connection and, when archiving is enabled, the reply
// archive. Both results are nil when NATS is disabled.
func connectNATS(ctx context.Context, cfg *config.Config, log *logger.Logger) (*nats.Conn, core.ReplyArchive, error) {
	if !cfg.NATS.Enabled {
		return nil, nil, nil
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	log.Info("Connected to NATS at %s", cfg.NATS.URL)

	if !cfg.NATS.ArchiveEnabled {
		return natsConnection, nil, nil
	}

	js, err := jetstream.New(natsConnection)
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(ctx, js, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, err
	}

	archive := objectstore.NewReplyArchive(store, natsConnection, cfg.NATS.AudioCreatedSubject, log)
	log.Info("Archiving replies to bucket %s (workflow %s)", cfg.NATS.AudioObjectStoreBucket, archive.WorkflowID())

	return natsConnection, archive, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	defer func() { _ = bootstrapLog.Close() }()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	err := audio.EnsureDir(cfg.Paths.ScratchDir)
	if err != nil {
		return err
	}

	m := metrics.New()

	synth, health, err := synthesizer(cfg, log)
	if err != nil {
		return err
	}

	voice := core.VoiceProfile{
		ReferenceWavPath:    cfg.Voice.ReferenceWavPath,
		ReferenceTranscript: cfg.Voice.ReferenceTranscript,
	}

	opts := pipeline.Options{
		Transcriber:      whisper.NewClient(cfg.Transcriber, log),
		Responder:        llm.NewClient(cfg.Responder, log),
		Speech:           tts.NewGate(synth, voice, cfg.Synthesizer.Timeout(), log, m),
		History:          conversation.NewLog(),
		Logger:           log,
		Metrics:          m,
		SampleRate:       cfg.Synthesizer.SampleRate,
		ScratchDir:       cfg.Paths.ScratchDir,
		ResponderTimeout: cfg.Responder.Timeout(),
	}

	if cfg.Synthesizer.NormalizeText {
		opts.Normalizer = text.NewNormalizer()
	}

	natsConnection, archive, err := connectNATS(ctx, cfg, log)
	if err != nil {
		return err
	}

	if natsConnection != nil {
		defer natsConnection.Close()
	}

	opts.Archive = archive

	coordinator, err := pipeline.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	running := 1

	if natsConnection != nil {
		running++

		go func() {
			errCh <- worker.NewNatsWorker(natsConnection, cfg.NATS.ChatSubject, coordinator, log).Run(ctx)
		}()
	}

	httpServer := server.NewHTTPServer(cfg.Server, coordinator, health, log, m)

	go func() { errCh <- httpServer.Run(ctx) }()

	log.System("Voice assistant initialized. Serving on %s", cfg.Server.ListenAddress())

	var runErr error

	for range running {
		componentErr := <-errCh
		if componentErr != nil && runErr == nil {
			log.Error("Component stopped unexpectedly: %v", componentErr)

			runErr = componentErr
		}

		cancel()
	}

	return runErr
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
