package vad

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTC wraps the WebRTC voice activity detector. The native handle is not
// safe for concurrent use, so calls are serialised.
type WebRTC struct {
	mu  sync.Mutex
	vad *webrtcvad.VAD
}

// NewWebRTC creates a detector with the given aggressiveness (0-3).
func NewWebRTC(aggressiveness int) (*WebRTC, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(aggressiveness); err != nil {
		return nil, fmt.Errorf("set webrtc vad mode %d: %w", aggressiveness, err)
	}
	return &WebRTC{vad: v}, nil
}

func (w *WebRTC) IsSpeech(frame []byte, sampleRate int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.vad.ValidRateAndFrameLength(sampleRate, len(frame)/2) {
		return false, fmt.Errorf("%w: %d bytes at %d Hz", ErrUnsupportedFrame, len(frame), sampleRate)
	}
	active, err := w.vad.Process(sampleRate, frame)
	if err != nil {
		return false, fmt.Errorf("webrtc vad process: %w", err)
	}
	return active, nil
}
