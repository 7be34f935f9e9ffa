package tts_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/tts"
)

// writeScript creates an executable shell script standing in for the synthesis binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "fake-synth.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))

	return path
}

func TestNewCommandEngine_EmptyPath(t *testing.T) {
	t.Parallel()

	_, err := tts.NewCommandEngine("", t.TempDir(), newTestLogger(t))
	require.ErrorIs(t, err, tts.ErrCommandPathEmpty)
}

func TestCommandEngine_Synthesize(t *testing.T) {
	t.Parallel()

	fixtureDir := t.TempDir()
	fixture := filepath.Join(fixtureDir, "fixture.wav")
	require.NoError(t, os.WriteFile(fixture, wavFixture(t, []float32{0.1, 0.2, 0.3}, 16000), 0o600))

	argsFile := filepath.Join(fixtureDir, "args.txt")
	script := writeScript(t, `echo "$@" > "`+argsFile+`"
cp "`+fixture+`" "$8"`)

	scratch := t.TempDir()
	engine, err := tts.NewCommandEngine(script, scratch, newTestLogger(t))
	require.NoError(t, err)

	waveform, err := engine.Synthesize(context.Background(), core.SynthesisRequest{
		Text:  "speak",
		Voice: testVoice(),
	})
	require.NoError(t, err)

	assert.Equal(t, 16000, waveform.SampleRate)
	assert.Len(t, waveform.Samples, 3)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "--text speak --prompt-wav reference_audio.wav")

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary output must be removed")
}

func TestCommandEngine_Synthesize_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "non-zero exit", body: `echo "model not found" >&2; exit 3`, wantErr: "model not found"},
		{name: "no output written", body: `exit 0`, wantErr: "failed to decode synthesized audio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine, err := tts.NewCommandEngine(writeScript(t, tt.body), t.TempDir(), newTestLogger(t))
			require.NoError(t, err)

			_, err = engine.Synthesize(context.Background(), core.SynthesisRequest{Text: "x", Voice: testVoice()})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCommandEngine_Synthesize_ContextCancelled(t *testing.T) {
	t.Parallel()

	engine, err := tts.NewCommandEngine(writeScript(t, "exec sleep 5"), t.TempDir(), newTestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()

	_, err = engine.Synthesize(ctx, core.SynthesisRequest{Text: "x", Voice: testVoice()})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 4*time.Second)
}

func TestCommandEngine_Synthesize_EmptyText(t *testing.T) {
	t.Parallel()

	engine, err := tts.NewCommandEngine("/bin/true", t.TempDir(), newTestLogger(t))
	require.NoError(t, err)

	_, err = engine.Synthesize(context.Background(), core.SynthesisRequest{Voice: testVoice()})
	require.ErrorIs(t, err, tts.ErrTextCannotBeEmpty)
}
