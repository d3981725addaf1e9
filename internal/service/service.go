// Package service hosts streaming recognition on the bus: audio chunks arrive
// per session, each session gets its own driver, and unit batches are
// published back as they are produced.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/asr"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/increment"
	"github.com/loqalabs/loqa-asr/internal/protocol"
	"github.com/loqalabs/loqa-asr/internal/segment"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/vad"
	"github.com/nats-io/nats.go"
)

// Options wires the service. NewClassifier is called once per session since
// VAD instances carry state.
type Options struct {
	Config        config.ASRConfig
	Bus           *bus.Client
	Store         *eventstore.Store
	Recognizer    stt.Recognizer
	NewClassifier func() (vad.Classifier, error)
	Logger        *slog.Logger
	Clock         asr.Clock
}

type Service struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	ready    bool
}

type session struct {
	id       string
	module   *asr.Module
	sequence int64
	chunks   int
	recorded bool
}

func NewService(parent context.Context, opts Options) *Service {
	ctx, cancel := context.WithCancel(parent)
	logger := opts.Logger
	if logger == nil {
		logger = opts.Bus.Logger()
	}
	return &Service{
		opts:     opts,
		log:      logger.With(slog.String("component", "asr-service")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

func (s *Service) Start() error {
	if !s.opts.Config.Enabled {
		return nil
	}
	if s.opts.Recognizer == nil || s.opts.NewClassifier == nil {
		return errors.New("asr service: recognizer and classifier factory are required")
	}
	subject := protocol.SubjectAudioChunkPrefix + ".>"
	sub, err := s.opts.Bus.Conn().Subscribe(subject, s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe audio chunks: %w", err)
	}
	if err := s.opts.Bus.Conn().Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("listening for audio", slog.String("subject", subject))
	return nil
}

// Close stops intake and every live session.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()

	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		live = append(live, sess)
		delete(s.sessions, id)
	}
	s.ready = false
	s.mu.Unlock()

	for _, sess := range live {
		sess.module.Stop()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.opts.Config.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Sessions reports how many sessions are live.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.log.Warn("failed to decode audio chunk", slogError(err))
		return
	}
	if chunk.SessionID == "" {
		chunk.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioChunkPrefix+".")
	}
	if chunk.Channels > 1 {
		s.log.Warn("dropping multi-channel chunk", slog.String("session_id", chunk.SessionID), slog.Int("channels", chunk.Channels))
		return
	}

	sess, err := s.session(chunk.SessionID)
	if err != nil {
		s.log.Warn("failed to open session", slog.String("session_id", chunk.SessionID), slogError(err))
		return
	}

	if len(chunk.PCM) > 0 {
		s.ingest(sess, chunk)
	}
	if chunk.Final {
		s.finish(sess)
	}
}

func (s *Service) ingest(sess *session, chunk protocol.AudioChunk) {
	s.mu.Lock()
	sess.chunks++
	id := chunk.ChunkID
	if id == "" {
		id = fmt.Sprintf("%s-%d", sess.id, chunk.Sequence)
	}
	s.mu.Unlock()

	err := sess.module.Ingest(asr.Chunk{ID: id, PCM: chunk.PCM, SampleRate: chunk.SampleRate})
	if err != nil {
		s.log.Warn("rejected audio chunk", slog.String("session_id", sess.id), slog.String("chunk_id", id), slogError(err))
		return
	}

	s.mu.Lock()
	record := !sess.recorded
	sess.recorded = true
	s.mu.Unlock()
	if record && s.opts.Store != nil {
		if err := s.opts.Store.AppendSession(s.ctx, sess.id, sess.module.SourceRate()); err != nil {
			s.log.Warn("failed to record session", slog.String("session_id", sess.id), slogError(err))
		}
	}
}

// finish forces the open utterance closed, commits it and stops the
// session's driver. It runs off the subscription goroutine so other sessions
// keep flowing while a recognition completes.
func (s *Service) finish(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.id] != sess {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	chunks := sess.chunks
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := s.ctx
		if timeout := s.opts.Config.Recognizer.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if _, err := sess.module.Finish(ctx); err != nil {
			s.log.Warn("closing utterance failed", slog.String("session_id", sess.id), slogError(err))
		}
		sess.module.Stop()
		s.log.Info("session closed", slog.String("session_id", sess.id), slog.Int("chunks", chunks))
	}()
}

func (s *Service) session(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}

	classifier, err := s.opts.NewClassifier()
	if err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}
	sess := &session{id: id}
	module, err := asr.New(asr.Options{
		Session:    id,
		Config:     moduleConfig(s.opts.Config),
		Classifier: classifier,
		Recognizer: s.opts.Recognizer,
		Sink:       asr.SinkFunc(func(ctx context.Context, b increment.Batch) error { return s.deliver(ctx, sess, b) }),
		Logger:     s.log,
		Clock:      s.opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	sess.module = module
	if err := module.Start(s.ctx); err != nil {
		return nil, err
	}
	s.sessions[id] = sess
	s.log.Info("session opened", slog.String("session_id", id))
	return sess, nil
}

func (s *Service) deliver(ctx context.Context, sess *session, batch increment.Batch) error {
	s.mu.Lock()
	sess.sequence++
	seq := sess.sequence
	s.mu.Unlock()

	wire := toWire(sess.id, seq, batch, s.now())
	if err := s.opts.Bus.PublishJSON(protocol.UnitsSubject(sess.id), wire); err != nil {
		return err
	}

	commits := batch.Of(increment.Commit)
	if len(commits) == 0 {
		return nil
	}
	text := commitText(commits)
	if text == "" {
		return nil
	}
	utterance := protocol.Utterance{
		SessionID: sess.id,
		Text:      text,
		Units:     len(commits),
		Timestamp: wire.Timestamp,
	}
	if err := s.opts.Bus.PublishJSON(protocol.SubjectUtteranceFinal, utterance); err != nil {
		return err
	}
	if s.opts.Store != nil {
		err := s.opts.Store.AppendUtterance(ctx, eventstore.Utterance{
			SessionID:  sess.id,
			Text:       text,
			Units:      len(commits),
			Confidence: commits[len(commits)-1].Confidence,
			Provenance: commits[0].Provenance,
			CreatedAt:  wire.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("record utterance: %w", err)
		}
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.opts.Clock != nil {
		return s.opts.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func moduleConfig(cfg config.ASRConfig) asr.Config {
	return asr.Config{
		PollInterval:       cfg.PollInterval(),
		RecognitionTimeout: cfg.Recognizer.Timeout(),
		Confidence:         cfg.Confidence,
		Segment: segment.Config{
			SilenceDuration:  cfg.Segmenter.SilenceDuration(),
			SilenceThreshold: cfg.Segmenter.SilenceThreshold,
			MinWindowBytes:   cfg.Segmenter.MinWindowBytes,
		},
	}
}

func toWire(sessionID string, seq int64, batch increment.Batch, now time.Time) protocol.UnitBatch {
	out := protocol.UnitBatch{
		SessionID: sessionID,
		Sequence:  seq,
		Updates:   make([]protocol.UnitUpdate, 0, len(batch.Updates)),
		Timestamp: now,
	}
	for _, u := range batch.Updates {
		out.Updates = append(out.Updates, protocol.UnitUpdate{
			Type: string(u.Type),
			Unit: protocol.Unit{
				ID:             u.Unit.ID,
				Token:          u.Unit.Token,
				Transcript:     u.Unit.Transcript,
				Confidence:     u.Unit.Confidence,
				EndOfUtterance: u.Unit.EndOfUtterance,
				Provenance:     u.Unit.Provenance,
				CreatedAt:      u.Unit.CreatedAt,
			},
		})
	}
	return out
}

func commitText(units []increment.Unit) string {
	tokens := make([]string, 0, len(units))
	for _, u := range units {
		tokens = append(tokens, u.Token)
	}
	return strings.Join(tokens, " ")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
