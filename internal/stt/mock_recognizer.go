package stt

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockRecognizer struct {
	wordEvery time.Duration
	maxTokens int
}

// NewMockRecognizer returns a recognizer that emits one synthetic word per
// 250 ms of audio, so growing windows produce growing transcriptions.
func NewMockRecognizer(opts Options) Recognizer {
	return &mockRecognizer{wordEvery: 250 * time.Millisecond, maxTokens: opts.MaxTokens}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if sampleRate <= 0 {
		return TranscriptResult{}, fmt.Errorf("mock recognizer: invalid sample rate %d", sampleRate)
	}
	duration := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	words := int(duration / m.wordEvery)
	if m.maxTokens > 0 && words > m.maxTokens {
		words = m.maxTokens
	}
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i+1)
	}
	return TranscriptResult{Text: strings.Join(parts, " ")}, nil
}
