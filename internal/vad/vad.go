// Package vad adapts per-frame speech/silence classifiers to the fixed frame
// contract of the segmenter.
//
// Classifiers only accept 10, 20 or 30 ms frames at the working rate. The
// Adapter validates every frame against that set, resizing frames that are a
// whole multiple of an accepted duration and rejecting anything else with
// ErrUnsupportedFrame. Each call is independent; no state is carried between
// frames.
package vad

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
)

// ErrUnsupportedFrame signals a frame length or rate the classifier cannot
// handle. It is a configuration defect, not a transient condition.
var ErrUnsupportedFrame = errors.New("vad: unsupported frame")

// Classifier labels a single frame of 16-bit mono PCM.
type Classifier interface {
	IsSpeech(frame []byte, sampleRate int) (bool, error)
}

// ClassifierFunc lets plain functions act as a Classifier.
type ClassifierFunc func(frame []byte, sampleRate int) (bool, error)

func (f ClassifierFunc) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	return f(frame, sampleRate)
}

// FrameDurations lists the accepted durations, largest first so resizing
// prefers fewer classifier calls.
var FrameDurations = []time.Duration{30 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}

// Adapter enforces the frame contract in front of a Classifier.
type Adapter struct {
	classifier Classifier
	sampleRate int
}

// NewAdapter binds classifier to sampleRate.
func NewAdapter(classifier Classifier, sampleRate int) (*Adapter, error) {
	if classifier == nil {
		return nil, errors.New("vad: classifier is required")
	}
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("%w: sample rate %d", ErrUnsupportedFrame, sampleRate)
	}
	return &Adapter{classifier: classifier, sampleRate: sampleRate}, nil
}

// SampleRate is the rate frames must be delivered at.
func (a *Adapter) SampleRate() int {
	return a.sampleRate
}

// IsSpeech classifies frame. Frames longer than 30 ms are split into equal
// sub-frames of an accepted duration and judged speech when at least half of
// the sub-frames are speech.
func (a *Adapter) IsSpeech(frame []byte) (bool, error) {
	if err := audio.CheckAligned(frame); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnsupportedFrame, err)
	}
	size, ok := a.subFrameBytes(len(frame))
	if !ok {
		return false, fmt.Errorf("%w: %s at %d Hz", ErrUnsupportedFrame,
			audio.FrameDuration(len(frame), a.sampleRate), a.sampleRate)
	}
	if size == len(frame) {
		return a.classifier.IsSpeech(frame, a.sampleRate)
	}

	subFrames := audio.Split(frame, size)
	speech := 0
	for _, sub := range subFrames {
		ok, err := a.classifier.IsSpeech(sub, a.sampleRate)
		if err != nil {
			return false, err
		}
		if ok {
			speech++
		}
	}
	return speech*2 >= len(subFrames), nil
}

func (a *Adapter) subFrameBytes(n int) (int, bool) {
	if n == 0 {
		return 0, false
	}
	for _, d := range FrameDurations {
		size := audio.BytesFor(d, a.sampleRate)
		if size > 0 && n%size == 0 {
			return size, true
		}
	}
	return 0, false
}
