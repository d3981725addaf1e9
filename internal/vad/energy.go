package vad

import (
	"math"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// Energy is a pure-Go classifier that marks a frame as speech when its RMS
// amplitude (normalised to [0, 1]) reaches Threshold.
type Energy struct {
	Threshold float64
}

func (e Energy) IsSpeech(frame []byte, _ int) (bool, error) {
	return RMS(frame) >= e.Threshold, nil
}

// RMS returns the root-mean-square amplitude of frame in [0, 1].
func RMS(frame []byte) float64 {
	samples := audio.PCMToFloat32(frame)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
