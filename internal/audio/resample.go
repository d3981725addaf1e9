package audio

import (
	"fmt"

	"github.com/zeozeozeo/gomplerate"
)

// Resampler normalises mono PCM frames to a fixed target rate.
type Resampler struct {
	target int
}

// NewResampler returns a Resampler producing frames at target Hz.
func NewResampler(target int) *Resampler {
	if target <= 0 {
		target = TargetSampleRate
	}
	return &Resampler{target: target}
}

// Target is the output sample rate.
func (r *Resampler) Target() int {
	return r.target
}

// Resample converts pcm from srcRate to the target rate. Frames already at the
// target rate are returned unchanged. Malformed payloads are rejected before
// any conversion so callers never buffer partial data.
func (r *Resampler) Resample(pcm []byte, srcRate int) ([]byte, error) {
	if err := CheckAligned(pcm); err != nil {
		return nil, err
	}
	if srcRate <= 0 {
		return nil, fmt.Errorf("audio: invalid source sample rate %d", srcRate)
	}
	if srcRate == r.target || len(pcm) == 0 {
		return pcm, nil
	}
	resampler, err := gomplerate.NewResampler(1, srcRate, r.target)
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler %d->%d: %w", srcRate, r.target, err)
	}
	return Int16ToBytes(resampler.ResampleInt16(BytesToInt16(pcm))), nil
}
