package runtime

import (
	"fmt"
	"io"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/stt/whisper"
	"github.com/loqalabs/loqa-asr/internal/vad"
)

// newRecognizer builds the configured engine. The returned closer is non-nil
// when the engine holds native resources.
func newRecognizer(cfg config.RecognizerConfig) (stt.Recognizer, io.Closer, error) {
	opts := stt.Options{
		Language:  cfg.Language,
		MaxTokens: cfg.MaxTokens,
		Threads:   cfg.Threads,
	}
	switch cfg.Mode {
	case "", "mock":
		return stt.NewMockRecognizer(opts), nil, nil
	case "exec":
		rec, err := stt.NewExecRecognizer(cfg.Command, cfg.ModelPath, opts)
		return rec, nil, err
	case "whisper":
		rec, err := whisper.New(cfg.ModelPath, opts)
		if err != nil {
			return nil, nil, err
		}
		return rec, rec, nil
	default:
		return nil, nil, fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}

// classifierFactory returns a constructor producing one VAD per session.
func classifierFactory(cfg config.VADConfig) (func() (vad.Classifier, error), error) {
	switch cfg.Mode {
	case "", "webrtc":
		return func() (vad.Classifier, error) {
			return vad.NewWebRTC(cfg.Aggressiveness)
		}, nil
	case "energy":
		return func() (vad.Classifier, error) {
			return vad.Energy{Threshold: cfg.EnergyThreshold}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported vad mode %q", cfg.Mode)
	}
}

// capabilityAttributes describes this node's recognition setup to peers.
func capabilityAttributes(cfg config.ASRConfig) map[string]string {
	attrs := map[string]string{
		"recognizer": cfg.Recognizer.Mode,
		"language":   cfg.Recognizer.Language,
		"vad":        cfg.VAD.Mode,
	}
	if cfg.Recognizer.ModelPath != "" {
		attrs["model"] = cfg.Recognizer.ModelPath
	}
	return attrs
}
