package tts

import (
	"context"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/semaphore"

	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/book-expert/voice-assistant/internal/metrics"
)

const opSynthesize = "synthesize"

// Gate admits at most one caller into the wrapped Synthesizer at a time.
// Waiters are served in arrival order.
type Gate struct {
	sem     *semaphore.Weighted
	synth   core.Synthesizer
	voice   core.VoiceProfile
	timeout time.Duration
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewGate wraps synth. A zero timeout leaves each call bounded only by its context.
func NewGate(
	synth core.Synthesizer,
	voice core.VoiceProfile,
	timeout time.Duration,
	log *logger.Logger,
	m *metrics.Metrics,
) *Gate {
	return &Gate{
		sem:     semaphore.NewWeighted(1),
		synth:   synth,
		voice:   voice,
		timeout: timeout,
		log:     log,
		metrics: m,
	}
}

// Synthesize renders text in the configured voice while holding the gate.
// A caller that gives up while queued never reaches the Synthesizer.
func (g *Gate) Synthesize(ctx context.Context, text string) (core.Waveform, error) {
	queued := time.Now()

	g.metrics.GateQueuedAdd(1)
	err := g.sem.Acquire(ctx, 1)
	g.metrics.GateQueuedAdd(-1)

	if err != nil {
		g.log.Warn("Gave up waiting for the synthesizer after %s: %v", time.Since(queued), err)

		return core.Waveform{}, core.NewError(core.ErrSynthesis, opSynthesize, err)
	}

	held := time.Now()
	g.metrics.ObserveGateWait(held.Sub(queued))

	defer func() {
		g.sem.Release(1)
		g.metrics.ObserveGateHold(time.Since(held))
	}()

	return g.synthesizeLocked(ctx, text)
}

func (g *Gate) synthesizeLocked(ctx context.Context, text string) (core.Waveform, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	if scoper, ok := g.synth.(core.InferenceScoper); ok {
		var end func()

		ctx, end = scoper.BeginInference(ctx)
		defer end()
	}

	started := time.Now()

	waveform, err := g.synth.Synthesize(ctx, core.SynthesisRequest{Text: text, Voice: g.voice})
	g.metrics.ObserveStage(metrics.StageSynthesize, started, err)

	if err != nil {
		g.log.Error("Synthesis failed for %d characters: %v", len(text), err)

		return core.Waveform{}, core.NewError(core.ErrSynthesis, opSynthesize, err)
	}

	return waveform, nil
}
