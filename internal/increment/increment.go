// Package increment turns successive full transcriptions of a growing
// utterance into token-level output units.
//
// Each step compares the new transcription with the tokens already emitted
// for the utterance. Emitted tokens that still match form a common prefix and
// are left alone, emitted tokens past that prefix are revoked, and the rest of
// the new transcription is added one unit per token. At end of utterance every
// pending unit is committed in creation order and the history is cleared.
package increment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpdateType classifies an entry in a Batch.
type UpdateType string

const (
	Add    UpdateType = "add"
	Revoke UpdateType = "revoke"
	Commit UpdateType = "commit"
)

// Unit is one recognised token together with utterance-level metadata.
type Unit struct {
	ID             string
	Transcript     string // full current transcription
	Token          string
	Confidence     float64
	EndOfUtterance bool
	Provenance     string
	CreatedAt      time.Time
}

// Update pairs a unit with what happened to it.
type Update struct {
	Type UpdateType
	Unit Unit
}

// Batch groups the updates produced by a single step, revocations first, then
// additions, then commits.
type Batch struct {
	Updates []Update
}

// Empty reports whether the batch carries no updates.
func (b Batch) Empty() bool {
	return len(b.Updates) == 0
}

// Of returns the units with the given update type, in order.
func (b Batch) Of(t UpdateType) []Unit {
	var units []Unit
	for _, u := range b.Updates {
		if u.Type == t {
			units = append(units, u.Unit)
		}
	}
	return units
}

// Tokenize splits a transcription into whitespace-delimited words.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Diff compares emitted tokens with a new transcription. keep is the length of
// the common prefix; emitted[keep:] must be revoked and added are the new
// trailing tokens.
func Diff(emitted []string, text string) (keep int, added []string) {
	tokens := Tokenize(text)
	for keep < len(emitted) && keep < len(tokens) && emitted[keep] == tokens[keep] {
		keep++
	}
	return keep, tokens[keep:]
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfidence sets the placeholder confidence stamped on units.
func WithConfidence(c float64) Option {
	return func(e *Engine) { e.confidence = c }
}

// WithClock overrides the unit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides unit ID generation.
func WithIDs(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// Engine tracks the pending units of the current utterance. It is not safe
// for concurrent use; the streaming driver calls it from its processing loop
// only.
type Engine struct {
	pending    []Unit
	confidence float64
	now        func() time.Time
	newID      func() string
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		confidence: 0.99,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step applies a transcription. eou marks the last step of the utterance.
// A step that changes nothing and does not end the utterance yields an empty
// batch.
func (e *Engine) Step(text string, eou bool, provenance string) Batch {
	var batch Batch

	keep, added := Diff(e.Tokens(), text)
	for _, u := range e.pending[keep:] {
		batch.Updates = append(batch.Updates, Update{Type: Revoke, Unit: u})
	}
	e.pending = e.pending[:keep]

	if len(added) == 0 && !eou {
		return batch
	}

	now := e.now()
	for i, token := range added {
		u := Unit{
			ID:             e.newID(),
			Transcript:     text,
			Token:          token,
			Confidence:     e.confidence,
			EndOfUtterance: eou && i == len(added)-1,
			Provenance:     provenance,
			CreatedAt:      now,
		}
		e.pending = append(e.pending, u)
		batch.Updates = append(batch.Updates, Update{Type: Add, Unit: u})
	}

	if eou {
		// Nothing new this step: the last surviving unit closes the utterance.
		if len(added) == 0 && len(e.pending) > 0 {
			e.pending[len(e.pending)-1].EndOfUtterance = true
		}
		for _, u := range e.pending {
			batch.Updates = append(batch.Updates, Update{Type: Commit, Unit: u})
		}
		e.pending = nil
	}
	return batch
}

// Tokens returns the tokens emitted so far for the open utterance.
func (e *Engine) Tokens() []string {
	tokens := make([]string, len(e.pending))
	for i, u := range e.pending {
		tokens[i] = u.Token
	}
	return tokens
}

// Pending returns a copy of the uncommitted units.
func (e *Engine) Pending() []Unit {
	return append([]Unit(nil), e.pending...)
}

// Reset drops pending units without committing them.
func (e *Engine) Reset() {
	e.pending = nil
}
