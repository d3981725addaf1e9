package protocol

import "time"

// AudioChunk carries little-endian 16-bit PCM streamed from edge devices.
// SampleRate may be zero after the first chunk of a session, in which case
// the session's bound rate applies.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	ChunkID    string `json:"chunk_id,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Unit is one recognised token as it appears on the bus.
type Unit struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	Transcript     string    `json:"transcript"`
	Confidence     float64   `json:"confidence"`
	EndOfUtterance bool      `json:"end_of_utterance"`
	Provenance     string    `json:"provenance,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// UnitUpdate pairs a unit with its update type: add, revoke or commit.
type UnitUpdate struct {
	Type string `json:"type"`
	Unit Unit   `json:"unit"`
}

// UnitBatch is the result of one processing cycle.
type UnitBatch struct {
	SessionID string       `json:"session_id"`
	Sequence  int64        `json:"sequence"`
	Updates   []UnitUpdate `json:"updates"`
	Timestamp time.Time    `json:"timestamp"`
}

// Utterance is published once per committed utterance.
type Utterance struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Units     int       `json:"units"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioChunkPrefix = "audio.chunk"
	SubjectUnitsPrefix      = "asr.units"
	SubjectUtteranceFinal   = "asr.utterance.final"
)

// AudioChunkSubject is the subject a session's audio is published on.
func AudioChunkSubject(sessionID string) string {
	return SubjectAudioChunkPrefix + "." + sessionID
}

// UnitsSubject is the subject a session's unit batches are published on.
func UnitsSubject(sessionID string) string {
	return SubjectUnitsPrefix + "." + sessionID
}
