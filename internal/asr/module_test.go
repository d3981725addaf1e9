package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/audio"
	"github.com/loqalabs/loqa-asr/internal/increment"
	"github.com/loqalabs/loqa-asr/internal/segment"
	"github.com/loqalabs/loqa-asr/internal/stt"
	"github.com/loqalabs/loqa-asr/internal/vad"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const frameDur = 20 * time.Millisecond

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type manualClock struct {
	ticks chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{ticks: make(chan time.Time)}
}

func (c *manualClock) Now() time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	return manualTicker{c: c.ticks}
}

// tick blocks until the processing loop has taken the tick.
func (c *manualClock) tick() {
	c.ticks <- time.Time{}
}

type manualTicker struct{ c chan time.Time }

func (t manualTicker) C() <-chan time.Time { return t.c }
func (manualTicker) Stop()                 {}

type scriptedRecognizer struct {
	mu      sync.Mutex
	texts   []string
	errs    []error
	windows []int
}

func (r *scriptedRecognizer) Transcribe(_ context.Context, samples []float32, _ int) (stt.TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.windows)
	r.windows = append(r.windows, len(samples))
	if i < len(r.errs) && r.errs[i] != nil {
		return stt.TranscriptResult{}, r.errs[i]
	}
	if len(r.texts) == 0 {
		return stt.TranscriptResult{}, nil
	}
	return stt.TranscriptResult{Text: r.texts[min(i, len(r.texts)-1)]}, nil
}

func (r *scriptedRecognizer) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.windows...)
}

type recordingSink struct {
	mu      sync.Mutex
	batches []increment.Batch
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, b increment.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return s.err
}

func (s *recordingSink) all() []increment.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]increment.Batch(nil), s.batches...)
}

var labelClassifier = vad.ClassifierFunc(func(frame []byte, _ int) (bool, error) {
	return frame[0] == 1, nil
})

func labelled(speech bool) []byte {
	f := make([]byte, audio.BytesFor(frameDur, audio.TargetSampleRate))
	if speech {
		f[0] = 1
	}
	return f
}

func newModule(t *testing.T, rec stt.Recognizer, sink Sink, clock Clock) *Module {
	t.Helper()
	m, err := New(Options{
		Session: "s1",
		Config: Config{
			PollInterval: 500 * time.Millisecond,
			Segment: segment.Config{
				SilenceDuration:  time.Second,
				SilenceThreshold: 0.75,
				MinWindowBytes:   10,
			},
		},
		Classifier: labelClassifier,
		Recognizer: rec,
		Sink:       sink,
		Logger:     newLogger(),
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	return m
}

func ingest(t *testing.T, m *Module, n int, speech bool, prefix string) {
	t.Helper()
	for i := range n {
		chunk := Chunk{ID: fmt.Sprintf("%s-%d", prefix, i), PCM: labelled(speech), SampleRate: audio.TargetSampleRate}
		if err := m.Ingest(chunk); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
}

func TestCycleWithoutRateProducesNothing(t *testing.T) {
	sink := &recordingSink{}
	m := newModule(t, &scriptedRecognizer{}, sink, newManualClock())

	batch, err := m.RunCycle(context.Background())
	if !errors.Is(err, ErrRateUnknown) {
		t.Fatalf("expected ErrRateUnknown, got %v", err)
	}
	if !batch.Empty() || len(sink.all()) != 0 {
		t.Fatal("expected no output before the rate is known")
	}
	if frames, _ := m.Buffered(); frames != 0 {
		t.Fatalf("expected untouched buffer, got %d frames", frames)
	}
}

func TestUtteranceEndToEnd(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"turn on", "turn on the lights"}}
	sink := &recordingSink{}
	m := newModule(t, rec, sink, newManualClock())

	ingest(t, m, 30, true, "speech")
	first, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if got := len(first.Of(increment.Add)); got != 2 {
		t.Fatalf("expected 2 units, got %d", got)
	}
	if m.State() != segment.Active {
		t.Fatalf("expected active, got %s", m.State())
	}
	if frames, _ := m.Buffered(); frames != 30 {
		t.Fatalf("expected 30 frames buffered, got %d", frames)
	}

	ingest(t, m, 50, false, "silence")
	last, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("closing cycle: %v", err)
	}
	calls := rec.calls()
	if got := calls[len(calls)-1]; got != 25600 {
		t.Fatalf("expected recognition over the full 1.6s window, got %d samples", got)
	}
	added := last.Of(increment.Add)
	if len(added) != 2 || !added[1].EndOfUtterance || added[0].EndOfUtterance {
		t.Fatalf("expected last added unit to carry EOU, got %+v", added)
	}
	if got := len(last.Of(increment.Commit)); got != 4 {
		t.Fatalf("expected 4 commits, got %d", got)
	}
	if frames, _ := m.Buffered(); frames != 0 {
		t.Fatalf("expected empty buffer after EOU, got %d", frames)
	}
	if len(sink.all()) != 2 {
		t.Fatalf("expected 2 delivered batches, got %d", len(sink.all()))
	}
}

func TestNoProgressCycleIsSilent(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"hello"}}
	sink := &recordingSink{}
	m := newModule(t, rec, sink, newManualClock())

	ingest(t, m, 10, true, "a")
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	ingest(t, m, 10, true, "b")
	batch, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if !batch.Empty() || len(sink.all()) != 1 {
		t.Fatalf("expected no batch when nothing changed, got %d batches", len(sink.all()))
	}
}

func TestProvenanceIsFirstUnassociatedChunk(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"a", "a b"}}
	sink := &recordingSink{}
	m := newModule(t, rec, sink, newManualClock())

	ingest(t, m, 5, true, "first")
	batch, _ := m.RunCycle(context.Background())
	if got := batch.Of(increment.Add)[0].Provenance; got != "first-0" {
		t.Fatalf("expected provenance first-0, got %q", got)
	}
	ingest(t, m, 5, true, "second")
	batch, _ = m.RunCycle(context.Background())
	if got := batch.Of(increment.Add)[0].Provenance; got != "second-0" {
		t.Fatalf("expected provenance second-0, got %q", got)
	}
}

func TestIngestRejectsMalformedChunk(t *testing.T) {
	m := newModule(t, &scriptedRecognizer{}, &recordingSink{}, newManualClock())
	err := m.Ingest(Chunk{ID: "bad", PCM: []byte{1, 2, 3}, SampleRate: audio.TargetSampleRate})
	if !errors.Is(err, audio.ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
	if frames, _ := m.Buffered(); frames != 0 {
		t.Fatalf("malformed chunk must not be buffered")
	}
	if m.SourceRate() != 0 {
		t.Fatal("malformed chunk must not bind the working rate")
	}
	if err := m.Ingest(Chunk{ID: "norate", PCM: []byte{1, 2}}); !errors.Is(err, ErrRateUnknown) {
		t.Fatalf("expected ErrRateUnknown for rateless first chunk, got %v", err)
	}
}

func TestIngestResamplesToTargetRate(t *testing.T) {
	m := newModule(t, &scriptedRecognizer{}, &recordingSink{}, newManualClock())
	pcm := make([]byte, audio.BytesFor(frameDur, 48000))
	if err := m.Ingest(Chunk{ID: "hi-fi", PCM: pcm, SampleRate: 48000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if m.SourceRate() != 48000 {
		t.Fatalf("expected working rate bound to 48000, got %d", m.SourceRate())
	}
	// rateless chunks are read at the bound rate
	if err := m.Ingest(Chunk{ID: "implicit", PCM: pcm}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	frames, size := m.Buffered()
	if frames != 2 {
		t.Fatalf("expected 2 frames, got %d", frames)
	}
	if size < 2*600 || size > 2*680 {
		t.Fatalf("expected about 640 bytes per resampled frame, got %d total", size)
	}
}

func TestLoopSurvivesFailedCycle(t *testing.T) {
	rec := &scriptedRecognizer{
		texts: []string{"", "hello"},
		errs:  []error{errors.New("accelerator busy")},
	}
	sink := &recordingSink{}
	clock := newManualClock()
	m := newModule(t, rec, sink, clock)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ingest(t, m, 10, true, "c")
	clock.tick()
	clock.tick()
	m.Stop()

	if len(rec.calls()) != 2 {
		t.Fatalf("expected the loop to retry on the next cycle, got %d calls", len(rec.calls()))
	}
	batches := sink.all()
	if len(batches) != 1 || batches[0].Of(increment.Add)[0].Token != "hello" {
		t.Fatalf("expected one batch from the second cycle, got %+v", batches)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	clock := newManualClock()
	m := newModule(t, &scriptedRecognizer{texts: []string{"x"}}, &recordingSink{}, clock)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	clock.tick() // rate unknown, skipped
	ingest(t, m, 10, true, "c")
	m.Stop()

	if m.State() != segment.Active {
		t.Fatalf("expected active after stop, got %s", m.State())
	}
	if frames, _ := m.Buffered(); frames != 0 {
		t.Fatalf("expected empty buffer after stop, got %d", frames)
	}
	m.Stop()
	if m.State() != segment.Active {
		t.Fatal("repeated stop must leave the same state")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	m.Stop()
}

func TestDeliveryErrorIsReported(t *testing.T) {
	sink := &recordingSink{err: errors.New("bus down")}
	m := newModule(t, &scriptedRecognizer{texts: []string{"hello"}}, sink, newManualClock())
	ingest(t, m, 10, true, "c")
	if _, err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected delivery error")
	}
}

type flakySink struct {
	mu      sync.Mutex
	down    bool
	batches []increment.Batch
}

func (s *flakySink) Deliver(_ context.Context, b increment.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("bus down")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *flakySink) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *flakySink) all() []increment.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]increment.Batch(nil), s.batches...)
}

func TestRejectedBatchIsRedeliveredNextCycle(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"turn on", "turn on the lights"}}
	sink := &flakySink{}
	m := newModule(t, rec, sink, newManualClock())

	ingest(t, m, 30, true, "speech")
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	sink.setDown(true)
	ingest(t, m, 50, false, "silence")
	if _, err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected delivery error on the closing cycle")
	}
	if m.Undelivered() != 1 {
		t.Fatalf("expected the closing batch to be queued, got %d", m.Undelivered())
	}
	// the sink is still down: nothing is lost and nothing is reordered
	if _, err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected delivery error while the sink is down")
	}

	sink.setDown(false)
	if _, err := m.RunCycle(context.Background()); !errors.Is(err, segment.ErrNotReady) {
		t.Fatalf("expected an idle cycle after redelivery, got %v", err)
	}
	batches := sink.all()
	if len(batches) != 2 {
		t.Fatalf("expected 2 delivered batches, got %d", len(batches))
	}
	if got := len(batches[1].Of(increment.Commit)); got != 4 {
		t.Fatalf("expected the redelivered batch to commit 4 units, got %d", got)
	}
	if m.Undelivered() != 0 {
		t.Fatalf("expected an empty queue, got %d", m.Undelivered())
	}
}

func TestStopDropsUndeliveredBatches(t *testing.T) {
	sink := &flakySink{down: true}
	m := newModule(t, &scriptedRecognizer{texts: []string{"hello"}}, sink, newManualClock())
	ingest(t, m, 10, true, "c")
	if _, err := m.RunCycle(context.Background()); err == nil {
		t.Fatal("expected delivery error")
	}
	m.Stop()
	if m.Undelivered() != 0 {
		t.Fatalf("expected stop to clear the queue, got %d", m.Undelivered())
	}
}

func TestFinishCommitsOpenUtterance(t *testing.T) {
	rec := &scriptedRecognizer{texts: []string{"turn on", "turn on the lights"}}
	sink := &recordingSink{}
	m := newModule(t, rec, sink, newManualClock())

	ingest(t, m, 30, true, "speech")
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	ingest(t, m, 5, true, "tail")

	batch, err := m.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	calls := rec.calls()
	if got := calls[len(calls)-1]; got != 35*320 {
		t.Fatalf("expected recognition over all 35 frames, got %d samples", got)
	}
	added := batch.Of(increment.Add)
	if len(added) != 2 || !added[1].EndOfUtterance {
		t.Fatalf("expected the last added unit to carry EOU, got %+v", added)
	}
	if got := len(batch.Of(increment.Commit)); got != 4 {
		t.Fatalf("expected 4 commits, got %d", got)
	}
	if len(m.engine.Pending()) != 0 {
		t.Fatal("expected no pending units after finish")
	}
	if m.State() != segment.Idle {
		t.Fatalf("expected idle after finish, got %s", m.State())
	}
	if frames, _ := m.Buffered(); frames != 0 {
		t.Fatalf("expected empty buffer after finish, got %d", frames)
	}
	if len(sink.all()) != 2 {
		t.Fatalf("expected 2 delivered batches, got %d", len(sink.all()))
	}
}

func TestFinishBeforeAudioIsEmpty(t *testing.T) {
	sink := &recordingSink{}
	m := newModule(t, &scriptedRecognizer{texts: []string{"x"}}, sink, newManualClock())
	batch, err := m.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !batch.Empty() || len(sink.all()) != 0 {
		t.Fatal("expected no output without audio")
	}
}

type advancingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *advancingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *advancingClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *advancingClock) NewTicker(time.Duration) Ticker {
	return manualTicker{c: make(chan time.Time)}
}

type slowRecognizer struct {
	clock *advancingClock
	cost  time.Duration
}

func (r slowRecognizer) Transcribe(context.Context, []float32, int) (stt.TranscriptResult, error) {
	r.clock.advance(r.cost)
	return stt.TranscriptResult{Text: "hello"}, nil
}

func TestRecognitionDurationExcludesVAD(t *testing.T) {
	clock := &advancingClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(Options{
		Session: "s1",
		Config: Config{Segment: segment.Config{
			SilenceDuration:  time.Second,
			SilenceThreshold: 0.75,
			MinWindowBytes:   10,
		}},
		Classifier: vad.ClassifierFunc(func(frame []byte, _ int) (bool, error) {
			clock.advance(5 * time.Millisecond)
			return frame[0] == 1, nil
		}),
		Recognizer: slowRecognizer{clock: clock, cost: 250 * time.Millisecond},
		Sink:       &recordingSink{},
		Logger:     newLogger(),
		Clock:      clock,
		Meter:      provider.Meter("test"),
	})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	ingest(t, m, 60, true, "c")
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "loqa.asr.recognition.duration" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("unexpected histogram data %T", metric.Data)
			}
			if got := hist.DataPoints[0].Sum; got != 250 {
				t.Fatalf("expected 250ms of recognition, got %v", got)
			}
			return
		}
	}
	t.Fatal("recognition duration not recorded")
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Classifier: labelClassifier, Sink: &recordingSink{}}); err == nil {
		t.Fatal("expected error without recognizer")
	}
	if _, err := New(Options{Classifier: labelClassifier, Recognizer: &scriptedRecognizer{}}); err == nil {
		t.Fatal("expected error without sink")
	}
	if _, err := New(Options{Recognizer: &scriptedRecognizer{}, Sink: &recordingSink{}}); err == nil {
		t.Fatal("expected error without classifier")
	}
}
