package tts_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/metrics"
	"github.com/book-expert/voice-assistant/internal/tts"
)

// exclusiveSynth fails the test if it is ever entered by two callers at once.
type exclusiveSynth struct {
	t       *testing.T
	delay   time.Duration
	active  atomic.Int32
	calls   atomic.Int32
	scopes  atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (s *exclusiveSynth) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	if s.active.Add(1) != 1 {
		s.t.Error("synthesizer entered concurrently")
	}
	defer s.active.Add(-1)

	s.calls.Add(1)

	if s.entered != nil {
		s.entered <- struct{}{}
	}

	if s.release != nil {
		<-s.release
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return core.Waveform{}, ctx.Err()
	}

	if s.err != nil {
		return core.Waveform{}, s.err
	}

	return core.Waveform{Samples: []float32{float32(len(req.Text))}, SampleRate: 44100}, nil
}

type scopeKey struct{}

// scopedSynth records whether the inference scope wraps every call.
type scopedSynth struct {
	exclusiveSynth

	open atomic.Int32
}

func (s *scopedSynth) BeginInference(ctx context.Context) (context.Context, func()) {
	s.open.Add(1)
	s.scopes.Add(1)

	return context.WithValue(ctx, scopeKey{}, true), func() { s.open.Add(-1) }
}

func (s *scopedSynth) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	if ctx.Value(scopeKey{}) == nil || s.open.Load() != 1 {
		s.t.Error("synthesize called outside its inference scope")
	}

	return s.exclusiveSynth.Synthesize(ctx, req)
}

func TestGate_SerializesConcurrentCallers(t *testing.T) {
	t.Parallel()

	const (
		callers = 4
		delay   = 50 * time.Millisecond
	)

	synth := &exclusiveSynth{t: t, delay: delay}
	m := metrics.New()
	gate := tts.NewGate(synth, testVoice(), time.Second, newTestLogger(t), m)

	var wg sync.WaitGroup

	started := time.Now()

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			waveform, err := gate.Synthesize(context.Background(), "hello")
			assert.NoError(t, err)
			assert.Equal(t, []float32{5}, waveform.Samples)
		}()
	}

	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(started), callers*delay)
	assert.Equal(t, int32(callers), synth.calls.Load())
	assert.Equal(t, callers, testutil.CollectAndCount(m.GateHold))
	assert.InDelta(t, 0, testutil.ToFloat64(m.GateQueued), 0)
}

func TestGate_PassesVoiceProfile(t *testing.T) {
	t.Parallel()

	var got core.SynthesisRequest

	synth := synthFunc(func(_ context.Context, req core.SynthesisRequest) (core.Waveform, error) {
		got = req

		return core.Waveform{Samples: []float32{0}, SampleRate: 44100}, nil
	})

	gate := tts.NewGate(synth, testVoice(), 0, newTestLogger(t), nil)

	_, err := gate.Synthesize(context.Background(), "text to speak")
	require.NoError(t, err)
	assert.Equal(t, "text to speak", got.Text)
	assert.Equal(t, testVoice(), got.Voice)
}

func TestGate_CancelledWhileQueued(t *testing.T) {
	t.Parallel()

	synth := &exclusiveSynth{
		t:       t,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	gate := tts.NewGate(synth, testVoice(), time.Second, newTestLogger(t), nil)

	holderDone := make(chan error, 1)

	go func() {
		_, err := gate.Synthesize(context.Background(), "first")
		holderDone <- err
	}()

	<-synth.entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := gate.Synthesize(ctx, "second")
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(synth.release)
	require.NoError(t, <-holderDone)
	assert.Equal(t, int32(1), synth.calls.Load())
}

func TestGate_TimeoutReleasesLock(t *testing.T) {
	t.Parallel()

	synth := &exclusiveSynth{t: t, delay: time.Hour}
	gate := tts.NewGate(synth, testVoice(), 20*time.Millisecond, newTestLogger(t), nil)

	_, err := gate.Synthesize(context.Background(), "slow")
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	synth.delay = 0

	_, err = gate.Synthesize(context.Background(), "fast")
	require.NoError(t, err)
}

func TestGate_FailureIsSynthesisError(t *testing.T) {
	t.Parallel()

	cause := errors.New("cuda out of memory")
	synth := &exclusiveSynth{t: t, err: cause}
	m := metrics.New()
	gate := tts.NewGate(synth, testVoice(), time.Second, newTestLogger(t), m)

	_, err := gate.Synthesize(context.Background(), "boom")
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, cause)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StageFailures.WithLabelValues(metrics.StageSynthesize)), 0)

	synth.err = nil

	_, err = gate.Synthesize(context.Background(), "ok")
	require.NoError(t, err)
}

func TestGate_EntersInferenceScopeInsideLock(t *testing.T) {
	t.Parallel()

	synth := &scopedSynth{exclusiveSynth: exclusiveSynth{t: t, delay: 5 * time.Millisecond}}
	gate := tts.NewGate(synth, testVoice(), time.Second, newTestLogger(t), nil)

	var wg sync.WaitGroup

	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := gate.Synthesize(context.Background(), "scoped")
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(3), synth.scopes.Load())
	assert.Equal(t, int32(0), synth.open.Load())
}

type synthFunc func(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error)

func (f synthFunc) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Waveform, error) {
	return f(ctx, req)
}
