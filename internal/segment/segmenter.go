// Package segment decides where utterances begin and end in a live frame
// stream and runs recognition over the growing utterance window.
//
// A Segmenter is polled once per cycle. Each cycle classifies the trailing
// silence window of the buffer, moves between Idle and Active, and while
// Active hands the whole buffered window to the recognizer. When the trailing
// window turns silent the final window is still recognized before the buffer
// is released, and the cycle reports end of utterance.
package segment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/vad"
)

// State is the segmentation state.
type State int32

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

var (
	// ErrNotReady means no audio is buffered yet. Callers skip the cycle.
	ErrNotReady = errors.New("segment: no audio buffered")

	// ErrRecognition wraps failures returned by the recognizer.
	ErrRecognition = errors.New("segment: recognition failed")
)

const (
	DefaultSilenceThreshold = 0.75
	DefaultMinWindowBytes   = 10
)

// Config tunes boundary detection.
type Config struct {
	// SilenceDuration is the trailing span that must be mostly silent to end an
	// utterance.
	SilenceDuration time.Duration
	// SilenceThreshold is the minimum silent fraction of the trailing window.
	SilenceThreshold float64
	// MinWindowBytes below which recognition is skipped.
	MinWindowBytes int
	// SampleRate of buffered frames.
	SampleRate int
	// Now times recognizer calls. Defaults to time.Now.
	Now func() time.Time
}

// Outcome describes one cycle.
type Outcome struct {
	Text           string
	Confidence     float64
	Recognized     bool
	Active         bool
	EndOfUtterance bool
	// Frames is the number of frames in the window considered this cycle.
	Frames int
	// Window is the audio duration handed to the recognizer.
	Window time.Duration
	// Latency is the time spent inside the recognizer.
	Latency time.Duration
}

// Segmenter owns the utterance buffer and its state. Append may be called
// concurrently with Cycle; the buffer lock is never held while the
// recognizer runs.
type Segmenter struct {
	cfg        Config
	vad        *vad.Adapter
	recognizer stt.Recognizer
	buf        Buffer

	mu            sync.Mutex
	state         atomic.Int32
	silenceFrames int
}

// New builds a Segmenter. Zero threshold and negative window size fall back to
// the defaults.
func New(cfg Config, adapter *vad.Adapter, recognizer stt.Recognizer) (*Segmenter, error) {
	if adapter == nil {
		return nil, errors.New("segment: vad adapter is required")
	}
	if recognizer == nil {
		return nil, errors.New("segment: recognizer is required")
	}
	if cfg.SilenceDuration <= 0 {
		return nil, fmt.Errorf("segment: silence duration must be positive, got %s", cfg.SilenceDuration)
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.MinWindowBytes < 0 {
		cfg.MinWindowBytes = DefaultMinWindowBytes
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = adapter.SampleRate()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Segmenter{cfg: cfg, vad: adapter, recognizer: recognizer}, nil
}

// Append buffers a frame at the configured sample rate.
func (s *Segmenter) Append(frame []byte) {
	s.buf.Append(frame)
}

// State reports the current state without waiting for an in-flight cycle.
func (s *Segmenter) State() State {
	return State(s.state.Load())
}

// Buffered returns the buffered frame count and byte size.
func (s *Segmenter) Buffered() (frames, bytes int) {
	return s.buf.Len(), s.buf.Size()
}

// SilenceFrames is the trailing window length in frames, zero until the first
// frame has been measured.
func (s *Segmenter) SilenceFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silenceFrames
}

// Reset clears the buffer and forces Active so a restart never resumes a
// stale segment. Calling it repeatedly is harmless.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Clear()
	s.state.Store(int32(Active))
}

// Cycle runs one segmentation pass. ErrNotReady is returned while the buffer
// is empty. On any error state and buffer are left as they were.
func (s *Segmenter) Cycle(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.buf.Snapshot()
	if len(frames) == 0 {
		return Outcome{}, ErrNotReady
	}
	n, err := s.silenceWindow(frames[0])
	if err != nil {
		return Outcome{}, err
	}
	silent, err := s.isSilent(frames, n)
	if err != nil {
		return Outcome{}, err
	}

	state := s.State()
	start := 0
	if state == Idle {
		start = max(len(frames)-n, 0)
		if silent {
			// Only the trailing window is ever classified; older idle audio
			// can go.
			s.buf.DropFront(start)
			return Outcome{Frames: len(frames) - start}, nil
		}
		state = Active
	}

	window := frames[start:]
	size := windowBytes(window)
	out := Outcome{
		Active: true,
		Frames: len(window),
		Window: audio.FrameDuration(size, s.cfg.SampleRate),
	}
	if size < s.cfg.MinWindowBytes {
		s.buf.DropFront(start)
		s.state.Store(int32(state))
		return out, nil
	}

	if err := s.recognize(ctx, window, &out); err != nil {
		return Outcome{}, err
	}

	if silent {
		// Frames appended while the recognizer ran belong to the next
		// utterance and are kept.
		s.buf.DropFront(len(frames))
		state = Idle
		out.Active = false
		out.EndOfUtterance = true
	} else {
		s.buf.DropFront(start)
	}
	s.state.Store(int32(state))
	return out, nil
}

// Close ends the open utterance regardless of trailing silence. The window a
// Cycle would consider is recognized one last time, the snapshot is released
// and the state returns to Idle with EndOfUtterance set. An Idle buffer whose
// trailing window is silent is discarded without recognition. On error state
// and buffer are left as they were.
func (s *Segmenter) Close(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.buf.Snapshot()
	window := frames
	if s.State() == Idle && len(frames) > 0 {
		n, err := s.silenceWindow(frames[0])
		if err != nil {
			return Outcome{}, err
		}
		silent, err := s.isSilent(frames, n)
		if err != nil {
			return Outcome{}, err
		}
		window = nil
		if !silent {
			window = frames[max(len(frames)-n, 0):]
		}
	}

	out := Outcome{EndOfUtterance: true, Frames: len(window)}
	if len(window) > 0 {
		size := windowBytes(window)
		out.Window = audio.FrameDuration(size, s.cfg.SampleRate)
		if size >= s.cfg.MinWindowBytes {
			if err := s.recognize(ctx, window, &out); err != nil {
				return Outcome{}, err
			}
		}
	}
	s.buf.DropFront(len(frames))
	s.state.Store(int32(Idle))
	return out, nil
}

func (s *Segmenter) recognize(ctx context.Context, window [][]byte, out *Outcome) error {
	started := s.cfg.Now()
	result, err := s.recognizer.Transcribe(ctx, audio.PCMToFloat32(audio.Concat(window)), s.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecognition, err)
	}
	out.Latency = s.cfg.Now().Sub(started)
	out.Text = result.Text
	out.Confidence = result.Confidence
	out.Recognized = true
	return nil
}

// silenceWindow fixes the trailing window length from the first measured
// frame. Frame duration is assumed uniform for the buffer's lifetime.
func (s *Segmenter) silenceWindow(first []byte) (int, error) {
	if s.silenceFrames > 0 {
		return s.silenceFrames, nil
	}
	d := audio.FrameDuration(len(first), s.cfg.SampleRate)
	if d <= 0 {
		return 0, fmt.Errorf("%w: cannot measure %d byte frame", vad.ErrUnsupportedFrame, len(first))
	}
	s.silenceFrames = max(int(s.cfg.SilenceDuration/d), 1)
	return s.silenceFrames, nil
}

// isSilent classifies the trailing n frames. Buffers shorter than n are never
// silent: there is not enough evidence to close an utterance.
func (s *Segmenter) isSilent(frames [][]byte, n int) (bool, error) {
	if len(frames) < n {
		return false, nil
	}
	silent := 0
	for _, frame := range frames[len(frames)-n:] {
		speech, err := s.vad.IsSpeech(frame)
		if err != nil {
			return false, err
		}
		if !speech {
			silent++
		}
	}
	return float64(silent)/float64(n) >= s.cfg.SilenceThreshold, nil
}
