package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. Samples are mono float32 amplitudes in
// [-1, 1] covering the whole utterance window so far. Implementations must be
// deterministic: the same window yields the same text.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error)
}

// Options carries decoding bounds shared by the backends.
type Options struct {
	Language  string
	MaxTokens int
	Threads   int
}
