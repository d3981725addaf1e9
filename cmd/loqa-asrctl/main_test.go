package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

func writeStereoWAV(t *testing.T, rate int, frames [][2]int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	data := make([]int, 0, len(frames)*2)
	for _, fr := range frames {
		data = append(data, fr[0], fr[1])
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 2, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestReadWAVDownmixes(t *testing.T) {
	path := writeStereoWAV(t, 22050, [][2]int{{100, 300}, {-200, -400}, {1000, 0}})
	pcm, rate, err := readWAV(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if rate != 22050 {
		t.Fatalf("expected 22050 Hz, got %d", rate)
	}
	if len(pcm) != 6 {
		t.Fatalf("expected 3 mono samples, got %d bytes", len(pcm))
	}
	got := []int16{
		int16(uint16(pcm[0]) | uint16(pcm[1])<<8),
		int16(uint16(pcm[2]) | uint16(pcm[3])<<8),
		int16(uint16(pcm[4]) | uint16(pcm[5])<<8),
	}
	want := []int16{200, -300, 500}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	if err := os.WriteFile(path, []byte("not a wav"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := readWAV(path); err == nil {
		t.Fatal("expected error for invalid wav")
	}
}

func TestPrintBatch(t *testing.T) {
	var out bytes.Buffer
	printBatch(&out, protocol.UnitBatch{
		Sequence: 3,
		Updates: []protocol.UnitUpdate{
			{Type: "revoke", Unit: protocol.Unit{Token: "of"}},
			{Type: "add", Unit: protocol.Unit{Token: "off", EndOfUtterance: true}},
		},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.Contains(lines[0], "revoke") || !strings.HasSuffix(lines[1], "off [eou]") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestStreamRequiresFile(t *testing.T) {
	if err := runStream(context.Background(), streamOptions{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error without -file")
	}
}
