package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRate is returned when a source or target sample rate is not positive.
var ErrInvalidRate = errors.New("sample rates must be positive")

// Resample converts mono samples from one rate to another by linear
// interpolation. The output covers the same playback duration as the input.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: from %d Hz to %d Hz", ErrInvalidRate, fromRate, toRate)
	}

	if len(samples) == 0 {
		return nil, ErrEmptyWaveform
	}

	if fromRate == toRate {
		return append([]float32(nil), samples...), nil
	}

	outLen := int(math.Round(float64(len(samples)) * float64(toRate) / float64(fromRate)))
	outLen = max(outLen, 1)

	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	out := make([]float32, outLen)

	for i := range out {
		pos := float64(i) * step
		j := int(pos)

		if j >= last {
			out[i] = samples[last]

			continue
		}

		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}

	return out, nil
}
