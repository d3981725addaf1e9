package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.ASR.PollInterval() != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %s", cfg.ASR.PollInterval())
	}
	if cfg.ASR.Segmenter.SilenceThreshold != 0.75 {
		t.Fatalf("expected default silence threshold 0.75, got %v", cfg.ASR.Segmenter.SilenceThreshold)
	}
	if cfg.ASR.Segmenter.MinWindowBytes != 10 {
		t.Fatalf("expected min window bytes 10, got %d", cfg.ASR.Segmenter.MinWindowBytes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_ASR_POLL_INTERVAL_MS", "250")
	t.Setenv("LOQA_ASR_VAD_MODE", "energy")
	t.Setenv("LOQA_ASR_SILENCE_DURATION_MS", "600")
	t.Setenv("LOQA_ASR_SILENCE_THRESHOLD", "0.5")
	t.Setenv("LOQA_ASR_RECOGNIZER_MAX_TOKENS", "128")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.ASR.PollIntervalMS != 250 {
		t.Fatalf("expected poll interval override, got %d", cfg.ASR.PollIntervalMS)
	}
	if cfg.ASR.VAD.Mode != "energy" {
		t.Fatalf("expected vad mode override, got %q", cfg.ASR.VAD.Mode)
	}
	if cfg.ASR.Segmenter.SilenceDuration() != 600*time.Millisecond {
		t.Fatalf("expected silence duration override, got %s", cfg.ASR.Segmenter.SilenceDuration())
	}
	if cfg.ASR.Segmenter.SilenceThreshold != 0.5 {
		t.Fatalf("expected silence threshold override")
	}
	if cfg.ASR.Recognizer.MaxTokens != 128 {
		t.Fatalf("expected max tokens override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-asr.yaml")
	data := []byte(`runtime_name: asr-test
asr:
  poll_interval_ms: 100
  recognizer:
    mode: exec
    command: "python3 transcribe.py --greedy"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "asr-test" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.ASR.Recognizer.Mode != "exec" || cfg.ASR.Recognizer.Command == "" {
		t.Fatalf("expected exec recognizer from file, got %+v", cfg.ASR.Recognizer)
	}
	// untouched keys keep their defaults
	if cfg.ASR.Segmenter.SilenceDurationMS != 1000 {
		t.Fatalf("expected default silence duration, got %d", cfg.ASR.Segmenter.SilenceDurationMS)
	}
}

func TestValidateASR(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.ASR.PollIntervalMS = 0 }},
		{"unknown vad mode", func(c *Config) { c.ASR.VAD.Mode = "silero" }},
		{"zero confidence", func(c *Config) { c.ASR.Confidence = 0 }},
		{"confidence above one", func(c *Config) { c.ASR.Confidence = 1.01 }},
		{"aggressiveness out of range", func(c *Config) { c.ASR.VAD.Aggressiveness = 4 }},
		{"threshold above one", func(c *Config) { c.ASR.Segmenter.SilenceThreshold = 1.5 }},
		{"exec without command", func(c *Config) { c.ASR.Recognizer.Mode = "exec" }},
		{"whisper without model", func(c *Config) { c.ASR.Recognizer.Mode = "whisper" }},
		{"unknown recognizer", func(c *Config) { c.ASR.Recognizer.Mode = "cloud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := Default()
	cfg.ASR.Enabled = false
	cfg.ASR.PollIntervalMS = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled asr section should not be validated: %v", err)
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "loqa-asr.yaml"))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if cfg.Node.Capabilities[0].Name != "asr.stream" {
		t.Fatalf("expected asr.stream capability, got %+v", cfg.Node.Capabilities)
	}
}
