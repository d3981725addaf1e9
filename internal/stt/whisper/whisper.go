// Package whisper runs recognition windows through whisper.cpp via its CGO
// bindings. The static library and headers must be available at link time.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-asr/internal/stt"
)

var _ stt.Recognizer = (*Recognizer)(nil)

// Recognizer owns a loaded model. Each window gets a fresh context created
// with the bindings' default greedy parameters, so decoding never samples and
// identical windows produce identical text.
type Recognizer struct {
	model whisperlib.Model
	opts  stt.Options
	mu    sync.Mutex
}

// New loads the model at modelPath.
func New(modelPath string, opts stt.Options) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &Recognizer{model: model, opts: opts}, nil
}

// Close releases the model.
func (r *Recognizer) Close() error {
	if r.model == nil {
		return nil
	}
	return r.model.Close()
}

func (r *Recognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.TranscriptResult, error) {
	if sampleRate != whisperlib.SampleRate {
		return stt.TranscriptResult{}, fmt.Errorf("whisper: sample rate %d, need %d", sampleRate, whisperlib.SampleRate)
	}
	if err := ctx.Err(); err != nil {
		return stt.TranscriptResult{}, err
	}

	// The model is shared; inference is serialised to keep memory bounded.
	r.mu.Lock()
	defer r.mu.Unlock()

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("whisper: create context: %w", err)
	}
	lang := r.opts.Language
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}
	if r.opts.Threads > 0 {
		wctx.SetThreads(uint(r.opts.Threads))
	}
	if r.opts.MaxTokens > 0 {
		wctx.SetMaxTokensPerSegment(uint(r.opts.MaxTokens))
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.TranscriptResult{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return stt.TranscriptResult{Text: strings.Join(parts, " ")}, nil
}
