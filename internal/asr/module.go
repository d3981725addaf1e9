// Package asr drives incremental recognition for one audio stream: chunks are
// normalised and buffered as they arrive, and a periodic cycle segments the
// buffer, recognises the open utterance and emits token-level unit batches.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/increment"
	"github.com/loqalabs/loqa-asr/internal/segment"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/vad"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-asr/asr"

// DefaultPollInterval is the processing cadence.
const DefaultPollInterval = 500 * time.Millisecond

var (
	// ErrRateUnknown means no chunk has been ingested yet, so the working
	// rate is unbound. Cycles are skipped until it is known.
	ErrRateUnknown = errors.New("asr: working sample rate not known yet")

	ErrRunning = errors.New("asr: module already running")
)

// Chunk is one delivery of raw audio. Chunks are never revised.
type Chunk struct {
	ID         string
	PCM        []byte
	SampleRate int
}

// Sink receives unit batches in creation order.
type Sink interface {
	Deliver(ctx context.Context, batch increment.Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch increment.Batch) error

func (f SinkFunc) Deliver(ctx context.Context, batch increment.Batch) error {
	return f(ctx, batch)
}

// Config tunes the driver. A zero Confidence selects the engine default.
type Config struct {
	PollInterval       time.Duration
	RecognitionTimeout time.Duration
	Confidence         float64
	Segment            segment.Config
}

// Options wires a Module's collaborators. Classifier, Recognizer and Sink are
// required.
type Options struct {
	Session    string
	Config     Config
	Classifier vad.Classifier
	Recognizer stt.Recognizer
	Sink       Sink
	Logger     *slog.Logger
	Clock      Clock
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// Module is the streaming driver for a single stream.
type Module struct {
	session   string
	cfg       Config
	seg       *segment.Segmenter
	engine    *increment.Engine
	resampler *audio.Resampler
	sink      Sink
	log       *slog.Logger
	clock     Clock
	metrics   *instruments
	tracer    trace.Tracer
	attrs     metric.MeasurementOption

	mu         sync.Mutex
	sourceRate int
	provenance string

	// cycleMu serialises cycles and guards outbox, which holds batches
	// the sink has not accepted yet, oldest first.
	cycleMu sync.Mutex
	outbox  []increment.Batch

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Module, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("asr: recognizer is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("asr: sink is required")
	}
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.Segment.SampleRate = audio.TargetSampleRate

	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	cfg.Segment.Now = clock.Now

	adapter, err := vad.NewAdapter(opts.Classifier, audio.TargetSampleRate)
	if err != nil {
		return nil, err
	}
	seg, err := segment.New(cfg.Segment, adapter, opts.Recognizer)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "asr"))
	if opts.Session != "" {
		logger = logger.With(slog.String("session_id", opts.Session))
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, fmt.Errorf("asr: init metrics: %w", err)
	}

	engineOpts := []increment.Option{increment.WithClock(clock.Now)}
	if cfg.Confidence > 0 {
		engineOpts = append(engineOpts, increment.WithConfidence(cfg.Confidence))
	}

	return &Module{
		session:   opts.Session,
		cfg:       cfg,
		seg:       seg,
		engine:    increment.NewEngine(engineOpts...),
		resampler: audio.NewResampler(audio.TargetSampleRate),
		sink:      opts.Sink,
		log:       logger,
		clock:     clock,
		metrics:   inst,
		tracer:    tracer,
		attrs:     metric.WithAttributes(attribute.String("session_id", opts.Session)),
	}, nil
}

// Ingest normalises and buffers a chunk. The first accepted chunk binds the
// working source rate; chunks that omit their rate are read at that rate.
// Malformed chunks are rejected before anything is buffered.
func (m *Module) Ingest(chunk Chunk) error {
	m.mu.Lock()
	rate := chunk.SampleRate
	if rate <= 0 {
		rate = m.sourceRate
	}
	m.mu.Unlock()
	if rate <= 0 {
		return fmt.Errorf("asr: chunk %q: %w", chunk.ID, ErrRateUnknown)
	}

	pcm, err := m.resampler.Resample(chunk.PCM, rate)
	if err != nil {
		return fmt.Errorf("asr: chunk %q: %w", chunk.ID, err)
	}
	if len(pcm) == 0 {
		return nil
	}

	m.mu.Lock()
	if m.sourceRate == 0 {
		m.sourceRate = rate
		m.log.Info("working rate bound", slog.Int("source_rate", rate), slog.Int("target_rate", m.resampler.Target()))
	}
	if m.provenance == "" {
		m.provenance = chunk.ID
	}
	m.mu.Unlock()

	m.seg.Append(pcm)
	return nil
}

// SourceRate is the bound working rate, zero until the first chunk.
func (m *Module) SourceRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sourceRate
}

// State exposes the segmentation state.
func (m *Module) State() segment.State {
	return m.seg.State()
}

// Buffered returns the buffered frame count and byte size.
func (m *Module) Buffered() (frames, bytes int) {
	return m.seg.Buffered()
}

// RunCycle performs one segmentation, recognition and diff pass and delivers
// the resulting batch. Batches the sink rejected earlier are redelivered
// first, in order; a rejected batch is kept for the next cycle.
// ErrRateUnknown and segment.ErrNotReady mark skipped cycles.
func (m *Module) RunCycle(ctx context.Context) (increment.Batch, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if err := m.flush(ctx); err != nil {
		return increment.Batch{}, err
	}
	if m.SourceRate() == 0 {
		return increment.Batch{}, ErrRateUnknown
	}

	ctx, span := m.tracer.Start(ctx, "asr.cycle",
		trace.WithAttributes(attribute.String("session_id", m.session)))
	defer span.End()

	m.metrics.cycles.Add(ctx, 1, m.attrs)
	out, err := m.seg.Cycle(ctx)
	if err != nil {
		if !errors.Is(err, segment.ErrNotReady) {
			m.failed(ctx, span, err)
		}
		return increment.Batch{}, err
	}
	if !out.Recognized {
		return increment.Batch{}, nil
	}
	m.observe(ctx, span, out)

	batch := m.step(ctx, out.Text, out.EndOfUtterance)
	return batch, m.emit(ctx, batch)
}

// Finish closes the open utterance without waiting for trailing silence:
// the buffered window is recognized once more and every pending unit is
// committed. The periodic task keeps running; call Stop afterwards to halt
// it.
func (m *Module) Finish(ctx context.Context) (increment.Batch, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	if err := m.flush(ctx); err != nil {
		return increment.Batch{}, err
	}
	if m.SourceRate() == 0 {
		return increment.Batch{}, nil
	}

	ctx, span := m.tracer.Start(ctx, "asr.finish",
		trace.WithAttributes(attribute.String("session_id", m.session)))
	defer span.End()

	out, err := m.seg.Close(ctx)
	if err != nil {
		m.failed(ctx, span, err)
		return increment.Batch{}, err
	}
	text := out.Text
	if out.Recognized {
		m.observe(ctx, span, out)
	} else {
		// Nothing new to recognize; commit what was already emitted.
		text = strings.Join(m.engine.Tokens(), " ")
	}
	batch := m.step(ctx, text, true)
	return batch, m.emit(ctx, batch)
}

func (m *Module) failed(ctx context.Context, span trace.Span, err error) {
	m.metrics.cycleErrors.Add(ctx, 1, m.attrs)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (m *Module) observe(ctx context.Context, span trace.Span, out segment.Outcome) {
	m.metrics.recognition.Record(ctx, float64(out.Latency)/float64(time.Millisecond), m.attrs)
	span.SetAttributes(
		attribute.Int("asr.window_frames", out.Frames),
		attribute.Bool("asr.eou", out.EndOfUtterance),
	)
}

// step runs the diff engine and attributes the batch to the oldest chunk
// not yet associated with output.
func (m *Module) step(ctx context.Context, text string, eou bool) increment.Batch {
	m.mu.Lock()
	provenance := m.provenance
	m.mu.Unlock()

	batch := m.engine.Step(text, eou, provenance)
	if batch.Empty() {
		return batch
	}

	m.mu.Lock()
	if m.provenance == provenance {
		m.provenance = ""
	}
	m.mu.Unlock()

	if n := len(batch.Of(increment.Add)); n > 0 {
		m.metrics.units.Add(ctx, int64(n), m.attrs)
	}
	if eou {
		m.metrics.commits.Add(ctx, 1, m.attrs)
		m.log.Debug("utterance committed", slog.String("text", text))
	}
	return batch
}

// emit queues batch behind any undelivered ones and flushes. Callers hold
// cycleMu.
func (m *Module) emit(ctx context.Context, batch increment.Batch) error {
	if batch.Empty() {
		return nil
	}
	m.outbox = append(m.outbox, batch)
	return m.flush(ctx)
}

func (m *Module) flush(ctx context.Context) error {
	for len(m.outbox) > 0 {
		if err := m.sink.Deliver(ctx, m.outbox[0]); err != nil {
			return fmt.Errorf("asr: deliver batch (%d queued): %w", len(m.outbox), err)
		}
		m.outbox[0] = increment.Batch{}
		m.outbox = m.outbox[1:]
	}
	return nil
}

// Undelivered reports how many batches are waiting for the sink.
func (m *Module) Undelivered() int {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	return len(m.outbox)
}

// Start launches the periodic processing task.
func (m *Module) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	ticker := m.clock.NewTicker(m.cfg.PollInterval)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.tick(ctx)
			}
		}
	}()
	m.log.Debug("processing started", slog.Duration("interval", m.cfg.PollInterval))
	return nil
}

// Stop halts scheduling, waits for an in-flight cycle to finish and resets
// segmentation so a restart begins clean. Pending uncommitted units are
// dropped, as are batches the sink never accepted. Stop is safe to call when
// not running.
func (m *Module) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.cycleMu.Lock()
	m.seg.Reset()
	m.engine.Reset()
	if n := len(m.outbox); n > 0 {
		m.log.Warn("dropping undelivered batches", slog.Int("batches", n))
		m.outbox = nil
	}
	m.cycleMu.Unlock()

	m.mu.Lock()
	m.provenance = ""
	m.mu.Unlock()
}

func (m *Module) tick(ctx context.Context) {
	// An in-flight recognition is not interrupted by shutdown.
	cycleCtx := context.WithoutCancel(ctx)
	if m.cfg.RecognitionTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, m.cfg.RecognitionTimeout)
		defer cancel()
	}

	_, err := m.RunCycle(cycleCtx)
	switch {
	case err == nil:
	case errors.Is(err, ErrRateUnknown), errors.Is(err, segment.ErrNotReady):
		m.log.Debug("cycle skipped", slog.String("reason", err.Error()))
	default:
		m.log.Warn("cycle failed", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
