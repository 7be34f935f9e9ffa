package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/core"
)

// commandWaitDelay bounds how long a cancelled command may hold its output pipes.
const commandWaitDelay = 2 * time.Second

// ErrCommandPathEmpty is returned when no synthesis binary is configured.
var ErrCommandPathEmpty = errors.New("synthesis command path cannot be empty")

// CommandEngine implements core.Synthesizer by running a local voice-cloning binary
// once per call. The binary is invoked as
//
//	<command> --text T --prompt-wav P --prompt-text PT --output OUT.wav
//
// and must write a WAV file to OUT.wav.
type CommandEngine struct {
	command    string
	scratchDir string
	log        *logger.Logger
}

// NewCommandEngine creates a CommandEngine for the given binary.
func NewCommandEngine(command, scratchDir string, log *logger.Logger) (*CommandEngine, error) {
	if command == "" {
		return nil, ErrCommandPathEmpty
	}

	return &CommandEngine{
		command:    command,
		scratchDir: scratchDir,
		log:        log,
	}, nil
}

// Synthesize runs the binary and decodes the WAV it produced.
func (p *CommandEngine) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	if req.Text == "" {
		return core.Waveform{}, ErrTextCannotBeEmpty
	}

	tempFile, err := os.CreateTemp(p.scratchDir, "tts-output-*.wav")
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to create temp file for tts output: %w", err)
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			p.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	args := []string{
		"--text", req.Text,
		"--prompt-wav", req.Voice.ReferenceWavPath,
		"--prompt-text", req.Voice.ReferenceTranscript,
		"--output", tempFile.Name(),
	}

	// #nosec G204 -- the command path comes from trusted configuration
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.WaitDelay = commandWaitDelay

	output, err := cmd.CombinedOutput()
	if err != nil {
		return core.Waveform{}, fmt.Errorf("synthesis binary execution failed: %w - output: %s", err, string(output))
	}

	wav, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	waveform, err := audio.DecodeWAV(wav)
	if err != nil {
		return core.Waveform{}, fmt.Errorf("failed to decode synthesized audio: %w", err)
	}

	return waveform, nil
}
