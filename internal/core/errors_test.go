package core_test

import (
	"errors"
	"testing"

	"github.com/book-expert/voice-assistant/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream unavailable")

func TestPipelineError_KindAndCause(t *testing.T) {
	t.Parallel()

	err := core.NewError(core.ErrGeneration, "respond", errUpstream)

	require.ErrorIs(t, err, core.ErrGeneration)
	require.ErrorIs(t, err, errUpstream)
	assert.NotErrorIs(t, err, core.ErrSynthesis)
	assert.Equal(t, "respond: generation failed: upstream unavailable", err.Error())
}

func TestPipelineError_WithoutCause(t *testing.T) {
	t.Parallel()

	err := core.NewError(core.ErrInvalidInput, "chat", nil)

	assert.Equal(t, "chat: invalid input", err.Error())
	assert.True(t, core.IsUserError(err))
	assert.False(t, core.IsUserError(core.NewError(core.ErrEncoding, "encode", nil)))
}

func TestPipelineError_As(t *testing.T) {
	t.Parallel()

	var wrapped error = core.NewError(core.ErrTranscription, "transcribe", errUpstream)

	var pipelineErr *core.PipelineError

	require.ErrorAs(t, wrapped, &pipelineErr)
	assert.Equal(t, "transcribe", pipelineErr.Op)
}
