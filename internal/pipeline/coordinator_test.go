package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-assistant/internal/audio"
	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/metrics"
	"github.com/book-expert/voice-assistant/internal/pipeline"
	"github.com/book-expert/voice-assistant/internal/tts"
	"github.com/book-expert/voice-assistant/internal/tts/text"
)

const outputRate = 44100

type fakeTranscriber struct {
	segments []string
	callErr  error
	iterErr  error
	seenPath string
	existed  bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (core.Segments, error) {
	f.seenPath = path

	_, statErr := os.Stat(path)
	f.existed = statErr == nil

	if f.callErr != nil {
		return nil, f.callErr
	}

	return func(yield func(string, error) bool) {
		for _, segment := range f.segments {
			if !yield(segment, nil) {
				return
			}
		}

		if f.iterErr != nil {
			yield("", f.iterErr)
		}
	}, nil
}

type fakeResponder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeResponder) Respond(_ context.Context, prompt string) (string, error) {
	f.calls.Add(1)

	if f.err != nil {
		return "", f.err
	}

	return "reply to: " + prompt, nil
}

type fakeSynth struct {
	mu       sync.Mutex
	active   int
	overlap  bool
	err      error
	samples  []float32
	rate     int
	received []string
}

func (f *fakeSynth) Synthesize(_ context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	f.mu.Lock()
	f.active++
	if f.active > 1 {
		f.overlap = true
	}
	f.received = append(f.received, req.Text)
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	if f.err != nil {
		return core.Waveform{}, f.err
	}

	return core.Waveform{Samples: f.samples, SampleRate: f.rate}, nil
}

type fakeArchive struct {
	err  error
	wavs [][]byte
}

func (f *fakeArchive) Archive(_ context.Context, wav []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	f.wavs = append(f.wavs, wav)

	return fmt.Sprintf("reply-%d.wav", len(f.wavs)), nil
}

type fixture struct {
	transcriber *fakeTranscriber
	responder   *fakeResponder
	synth       *fakeSynth
	metrics     *metrics.Metrics
	scratchDir  string
	opts        pipeline.Options
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		transcriber: &fakeTranscriber{segments: []string{" Hello", "", "  world "}},
		responder:   &fakeResponder{},
		synth:       &fakeSynth{samples: []float32{0, 0.25, -0.25, 0.5}, rate: outputRate},
		metrics:     metrics.New(),
		scratchDir:  t.TempDir(),
	}

	log := newTestLogger(t)
	voice := core.VoiceProfile{ReferenceWavPath: "ref.wav", ReferenceTranscript: "ref"}

	f.opts = pipeline.Options{
		Transcriber: f.transcriber,
		Responder:   f.responder,
		Speech:      tts.NewGate(f.synth, voice, time.Second, log, f.metrics),
		Logger:      log,
		Metrics:     f.metrics,
		SampleRate:  outputRate,
		ScratchDir:  f.scratchDir,
	}

	return f
}

func (f *fixture) coordinator(t *testing.T) *pipeline.Coordinator {
	t.Helper()

	coordinator, err := pipeline.New(f.opts)
	require.NoError(t, err)

	return coordinator
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*pipeline.Options)
		wantErr error
	}{
		{name: "transcriber", mutate: func(o *pipeline.Options) { o.Transcriber = nil }, wantErr: pipeline.ErrMissingTranscriber},
		{name: "responder", mutate: func(o *pipeline.Options) { o.Responder = nil }, wantErr: pipeline.ErrMissingResponder},
		{name: "speech", mutate: func(o *pipeline.Options) { o.Speech = nil }, wantErr: pipeline.ErrMissingSpeech},
		{name: "logger", mutate: func(o *pipeline.Options) { o.Logger = nil }, wantErr: pipeline.ErrMissingLogger},
		{name: "sample rate", mutate: func(o *pipeline.Options) { o.SampleRate = 0 }, wantErr: pipeline.ErrInvalidSampleRate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.mutate(&f.opts)

			_, err := pipeline.New(f.opts)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestHandleText_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)

	assert.Equal(t, "reply to: Hi", result.Reply)
	require.NotNil(t, result.Audio)
	assert.Empty(t, result.AudioKey)

	waveform, err := audio.Decode(*result.Audio)
	require.NoError(t, err)
	assert.Equal(t, outputRate, waveform.SampleRate)
	require.Len(t, waveform.Samples, 4)
	assert.InDelta(t, 0.5, waveform.Samples[3], 1.0/32767)

	assert.Equal(t, []core.Turn{
		{Role: core.RoleUser, Content: "Hi"},
		{Role: core.RoleAssistant, Content: "reply to: Hi"},
	}, c.History())
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.HistoryTurns), 0)
}

func TestHandleText_EmptyMessage(t *testing.T) {
	t.Parallel()

	for _, message := range []string{"", "   ", "\n\t"} {
		f := newFixture(t)
		c := f.coordinator(t)

		_, err := c.HandleText(context.Background(), message)
		require.ErrorIs(t, err, core.ErrInvalidInput)
		require.ErrorIs(t, err, pipeline.ErrEmptyMessage)
		assert.True(t, core.IsUserError(err))

		assert.Empty(t, c.History())
		assert.Equal(t, int32(0), f.responder.calls.Load())
	}
}

func TestHandleText_GenerationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cause := errors.New("upstream unavailable")
	f.responder.err = cause
	c := f.coordinator(t)

	_, err := c.HandleText(context.Background(), "Hi")
	require.ErrorIs(t, err, core.ErrGeneration)
	require.ErrorIs(t, err, cause)
	assert.False(t, core.IsUserError(err))

	assert.Equal(t, []core.Turn{{Role: core.RoleUser, Content: "Hi"}}, c.History())
	assert.Empty(t, f.synth.received)
}

func TestHandleText_GenerationTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.opts.Responder = responderFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()

		return "", ctx.Err()
	})
	f.opts.ResponderTimeout = 20 * time.Millisecond
	c := f.coordinator(t)

	_, err := c.HandleText(context.Background(), "Hi")
	require.ErrorIs(t, err, core.ErrGeneration)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleText_SynthesisFailureDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.synth.err = errors.New("gpu lost")
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)

	assert.Equal(t, "reply to: Hi", result.Reply)
	assert.Nil(t, result.Audio)
	assert.Len(t, c.History(), 2)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.AudioDegraded), 0)
}

func TestHandleText_EncodingFailureDegrades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.synth.samples = nil
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)

	assert.Nil(t, result.Audio)
	assert.Len(t, c.History(), 2)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.StageFailures.WithLabelValues(metrics.StageEncode)), 0)
}

func TestHandleText_ResamplesToOutputRate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.synth.samples = make([]float32, 24000)
	f.synth.rate = 24000
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)
	require.NotNil(t, result.Audio)

	waveform, err := audio.Decode(*result.Audio)
	require.NoError(t, err)

	assert.Equal(t, outputRate, waveform.SampleRate)
	assert.Len(t, waveform.Samples, outputRate)
	assert.Equal(t, time.Second, audio.Duration(len(waveform.Samples), waveform.SampleRate))
}

func TestHandleText_UnlabelledWaveformKeepsSamples(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.synth.rate = 0
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)
	require.NotNil(t, result.Audio)

	waveform, err := audio.Decode(*result.Audio)
	require.NoError(t, err)

	assert.Equal(t, outputRate, waveform.SampleRate)
	assert.Len(t, waveform.Samples, 4)
}

func TestHandleText_NormalizesSpokenTextOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.opts.Responder = responderFunc(func(context.Context, string) (string, error) {
		return "**Sure** see https://example.com", nil
	})
	f.opts.Normalizer = text.NewNormalizer()
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "link please")
	require.NoError(t, err)

	assert.Equal(t, "**Sure** see https://example.com", result.Reply)
	assert.Equal(t, []string{"Sure see link."}, f.synth.received)
	assert.Equal(t, "**Sure** see https://example.com", c.History()[1].Content)
}

func TestHandleText_Archive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	archive := &fakeArchive{}
	f.opts.Archive = archive
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)

	assert.Equal(t, "reply-1.wav", result.AudioKey)
	require.Len(t, archive.wavs, 1)
	assert.Equal(t, string(audio.EncodeContainer(archive.wavs[0])), string(*result.Audio))
}

func TestHandleText_ArchiveFailureIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.opts.Archive = &fakeArchive{err: errors.New("bucket gone")}
	c := f.coordinator(t)

	result, err := c.HandleText(context.Background(), "Hi")
	require.NoError(t, err)

	assert.NotNil(t, result.Audio)
	assert.Empty(t, result.AudioKey)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.StageFailures.WithLabelValues(metrics.StageArchive)), 0)
}

func TestHandleVoice_Success(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.coordinator(t)

	result, err := c.HandleVoice(context.Background(), []byte("fake mp3 bytes"), "clip.MP3")
	require.NoError(t, err)

	assert.Equal(t, "Hello world", result.Transcription)
	assert.Equal(t, "reply to: Hello world", result.Reply)
	assert.NotNil(t, result.Audio)

	assert.True(t, f.transcriber.existed, "scratch file must exist while transcribing")
	assert.Equal(t, ".mp3", filepath.Ext(f.transcriber.seenPath))
	assert.Equal(t, f.scratchDir, filepath.Dir(f.transcriber.seenPath))
	assertNoScratchFiles(t, f.scratchDir)

	assert.Equal(t, []core.Turn{
		{Role: core.RoleUser, Content: "Hello world"},
		{Role: core.RoleAssistant, Content: "reply to: Hello world"},
	}, c.History())
}

func TestHandleVoice_EmptyAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.coordinator(t)

	_, err := c.HandleVoice(context.Background(), nil, "clip.wav")
	require.ErrorIs(t, err, core.ErrInvalidInput)
	require.ErrorIs(t, err, pipeline.ErrEmptyAudio)

	assert.Empty(t, c.History())
	assert.Empty(t, f.transcriber.seenPath)
}

func TestHandleVoice_TranscriptionFailures(t *testing.T) {
	t.Parallel()

	cause := errors.New("decoder crashed")

	tests := []struct {
		name    string
		mutate  func(*fakeTranscriber)
		wantErr error
	}{
		{name: "call fails", mutate: func(f *fakeTranscriber) { f.callErr = cause }, wantErr: cause},
		{name: "iteration fails", mutate: func(f *fakeTranscriber) { f.iterErr = cause }, wantErr: cause},
		{name: "no speech", mutate: func(f *fakeTranscriber) { f.segments = []string{" ", ""} }, wantErr: pipeline.ErrNoSpeech},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.mutate(f.transcriber)
			c := f.coordinator(t)

			_, err := c.HandleVoice(context.Background(), []byte("audio"), "clip.wav")
			require.ErrorIs(t, err, core.ErrTranscription)
			require.ErrorIs(t, err, tt.wantErr)

			assert.Empty(t, c.History())
			assert.Equal(t, int32(0), f.responder.calls.Load())
			assertNoScratchFiles(t, f.scratchDir)
		})
	}
}

func TestHandleVoice_GenerationFailureKeepsUserTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.responder.err = errors.New("quota")
	c := f.coordinator(t)

	_, err := c.HandleVoice(context.Background(), []byte("audio"), "clip.wav")
	require.ErrorIs(t, err, core.ErrGeneration)

	assert.Equal(t, []core.Turn{{Role: core.RoleUser, Content: "Hello world"}}, c.History())
	assertNoScratchFiles(t, f.scratchDir)
}

func TestClearHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.coordinator(t)

	_, err := c.HandleText(context.Background(), "one")
	require.NoError(t, err)

	snapshot := c.History()
	snapshot[0].Content = "mutated"
	assert.Equal(t, "one", c.History()[0].Content)

	c.ClearHistory()
	assert.Empty(t, c.History())
	assert.InDelta(t, 0, testutil.ToFloat64(f.metrics.HistoryTurns), 0)
}

func TestHandleText_ConcurrentRequestsKeepPairs(t *testing.T) {
	t.Parallel()

	const requests = 8

	f := newFixture(t)
	c := f.coordinator(t)

	var wg sync.WaitGroup

	for i := range requests {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.HandleText(context.Background(), fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	history := c.History()
	require.Len(t, history, 2*requests)

	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, core.RoleUser, history[i].Role)
		assert.Equal(t, core.RoleAssistant, history[i+1].Role)
		assert.Equal(t, "reply to: "+history[i].Content, history[i+1].Content)
	}

	assert.False(t, f.synth.overlap, "synthesizer entered concurrently")
	assert.Len(t, f.synth.received, requests)
}

func assertNoScratchFiles(t *testing.T, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "voice-upload-"), "leftover scratch file %s", entry.Name())
	}
}

type responderFunc func(ctx context.Context, prompt string) (string, error)

func (f responderFunc) Respond(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
