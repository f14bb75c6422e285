package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/exhibit-guide/internal/asr"
	"github.com/lokutor-ai/exhibit-guide/internal/cancel"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/rag"
	"github.com/lokutor-ai/exhibit-guide/internal/registry"
	"github.com/lokutor-ai/exhibit-guide/internal/tts"
)

type fakeRAGBackend struct {
	fragments []string
	err       error
	delay     time.Duration
}

func (f *fakeRAGBackend) Name() string { return "fake-rag" }
func (f *fakeRAGBackend) Query(ctx context.Context, sessionID, question string, onFragment func(string) error) error {
	for _, frag := range f.fragments {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := onFragment(frag); err != nil {
			return err
		}
	}
	return f.err
}

type fakeTTSBackend struct{}

func (f *fakeTTSBackend) Name() string { return "fake-tts" }
func (f *fakeTTSBackend) StreamTTS(ctx context.Context, text string, voice tts.VoiceConfig, onChunk func(tts.Chunk) error) error {
	return onChunk(tts.Chunk{Bytes: []byte(text), ContentType: "audio/raw"})
}

type fakeASRBackend struct {
	transcript string
	err        error
}

func (f *fakeASRBackend) Name() string { return "fake-asr" }
func (f *fakeASRBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	return f.transcript, f.err
}

func testOrchestrator(t *testing.T, ragBackend rag.Backend, ttsBackend tts.Backend, asrBackend asr.Backend) (*Orchestrator, *cancel.Fabric, *eventstore.Store) {
	t.Helper()
	cfg := config.Config{
		RequestDeadline:   5 * time.Second,
		ASRSoftTimeout:    time.Second,
		MinChunkSize:      1,
		SoftMin:           1,
		MaxChunkSize:      500,
		TTSMaxInFlight:    4,
		PipelineQueueSize: 16,
		DefaultVoiceID:    "F1",
		DefaultLanguage:   "zh",
		DefaultVoiceRate:  1.0,
		RateLimitAsk:         config.RateLimit{Limit: 1000, Window: time.Minute},
		RateLimitAskPrefetch: config.RateLimit{Limit: 1000, Window: time.Minute},
		RateLimitASR:         config.RateLimit{Limit: 1000, Window: time.Minute},
	}

	fabric := cancel.New(context.Background())
	reg := registry.New(cfg)
	events := eventstore.New(256)

	ragBackends := map[rag.Provider]rag.Backend{rag.ProviderAnthropic: ragBackend}
	ttsBackends := map[tts.Provider]tts.Backend{tts.ProviderCloudCosy: ttsBackend}
	asrBackends := map[asr.Provider]asr.Backend{asr.ProviderDeepgram: asrBackend}

	o := New(cfg, &logging.NoOpLogger{}, fabric, reg, events,
		asr.New(asrBackends, asr.ProviderDeepgram),
		rag.New(ragBackends, rag.ProviderAnthropic),
		tts.New(ttsBackends, tts.ProviderCloudCosy, "", &logging.NoOpLogger{}),
	)
	return o, fabric, events
}

func collectSinks() (model.TextSink, model.AudioSink, func() []string, func() []model.AudioSegment) {
	var mu sync.Mutex
	var texts []string
	var segs []model.AudioSegment
	textSink := func(ctx context.Context, seq int, delta string) error {
		mu.Lock()
		texts = append(texts, delta)
		mu.Unlock()
		return nil
	}
	audioSink := func(ctx context.Context, seg model.AudioSegment) error {
		mu.Lock()
		segs = append(segs, seg)
		mu.Unlock()
		return nil
	}
	return textSink, audioSink,
		func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), texts...)
		},
		func() []model.AudioSegment {
			mu.Lock()
			defer mu.Unlock()
			return append([]model.AudioSegment(nil), segs...)
		}
}

func TestAskGreetingShortCircuitsRAG(t *testing.T) {
	ragBackend := &fakeRAGBackend{fragments: []string{"should never be used"}}
	o, _, _ := testOrchestrator(t, ragBackend, &fakeTTSBackend{}, &fakeASRBackend{})

	textSink, audioSink, texts, segs := collectSinks()
	_, err := o.Ask(context.Background(), "c1", model.AskOptions{Question: "hello"}, nil, textSink, audioSink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts()) != 1 || texts()[0] != defaultGreetingResponse {
		t.Fatalf("expected the canned greeting text, got %v", texts())
	}
	if len(segs()) != 1 {
		t.Fatalf("expected exactly one audio segment for the templated reply, got %d", len(segs()))
	}
}

func TestAskQuestionStreamsTextAndAudioInOrder(t *testing.T) {
	ragBackend := &fakeRAGBackend{fragments: []string{"part one. ", "part two. ", "part three."}}
	o, _, events := testOrchestrator(t, ragBackend, &fakeTTSBackend{}, &fakeASRBackend{})

	textSink, audioSink, texts, segs := collectSinks()
	requestID, err := o.Ask(context.Background(), "c1", model.AskOptions{Question: "what is this exhibit about?"}, nil, textSink, audioSink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts()) != 3 {
		t.Fatalf("expected 3 streamed text deltas, got %v", texts())
	}

	gotSegs := segs()
	if len(gotSegs) == 0 {
		t.Fatalf("expected at least one audio segment")
	}
	for i, seg := range gotSegs {
		if seg.Seq != i {
			t.Fatalf("expected audio segments delivered in ascending seq order, got seq %d at position %d", seg.Seq, i)
		}
	}

	timeline := events.Query(requestID, 0, 0)
	var sawFirstChunk, sawPlayEnd bool
	for _, e := range timeline {
		if e.Name == "rag_first_chunk" {
			sawFirstChunk = true
		}
		if e.Name == "play_end" {
			sawPlayEnd = true
		}
	}
	if !sawFirstChunk || !sawPlayEnd {
		t.Fatalf("expected rag_first_chunk and play_end anchors in the event timeline, got %+v", timeline)
	}
}

func TestAskASRTranscribesAudioInputBeforeRAG(t *testing.T) {
	ragBackend := &fakeRAGBackend{fragments: []string{"an answer."}}
	o, _, _ := testOrchestrator(t, ragBackend, &fakeTTSBackend{}, &fakeASRBackend{transcript: "what time is it"})

	textSink, audioSink, texts, _ := collectSinks()
	_, err := o.Ask(context.Background(), "c1", model.AskOptions{}, []byte{1, 2, 3}, textSink, audioSink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(texts()) == 0 {
		t.Fatalf("expected the transcribed question to flow through to RAG and produce text output")
	}
}

func TestAskASRErrorSurfacesAsASRError(t *testing.T) {
	o, _, _ := testOrchestrator(t, &fakeRAGBackend{}, &fakeTTSBackend{}, &fakeASRBackend{err: errors.New("mic dropped")})

	textSink, audioSink, _, _ := collectSinks()
	_, err := o.Ask(context.Background(), "c1", model.AskOptions{}, []byte{1}, textSink, audioSink)
	if err == nil {
		t.Fatalf("expected an error when ASR fails")
	}
}

func TestAskRAGFailureBeforeAnyTextReturnsRAGError(t *testing.T) {
	o, _, events := testOrchestrator(t, &fakeRAGBackend{err: errors.New("upstream down")}, &fakeTTSBackend{}, &fakeASRBackend{})

	textSink, audioSink, texts, _ := collectSinks()
	requestID, err := o.Ask(context.Background(), "c1", model.AskOptions{Question: "what is this?"}, nil, textSink, audioSink)
	if err == nil {
		t.Fatalf("expected an error when RAG fails before any text")
	}
	if len(texts()) != 0 {
		t.Fatalf("expected no text to have been emitted, got %v", texts())
	}

	var sawRAGError bool
	for _, e := range events.Query(requestID, 0, 0) {
		if e.Name == "rag_error" {
			sawRAGError = true
		}
	}
	if !sawRAGError {
		t.Fatalf("expected a rag_error event to be recorded")
	}
}

func TestAskCancelledBeforeCompletionReturnsCancelledError(t *testing.T) {
	ragBackend := &fakeRAGBackend{fragments: []string{"slow part one.", "slow part two."}, delay: 200 * time.Millisecond}
	o, fabric, _ := testOrchestrator(t, ragBackend, &fakeTTSBackend{}, &fakeASRBackend{})

	textSink, audioSink, _, _ := collectSinks()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := o.Ask(context.Background(), "c1", model.AskOptions{Question: "long question"}, nil, textSink, audioSink)
		if err == nil {
			t.Errorf("expected a cancelled error")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	fabric.CancelClient("c1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Ask did not return after cancellation")
	}
}

func TestAskAdmitsIndependentlyPerClient(t *testing.T) {
	o, _, _ := testOrchestrator(t, &fakeRAGBackend{fragments: []string{"hi."}}, &fakeTTSBackend{}, &fakeASRBackend{})

	textSink, audioSink, _, _ := collectSinks()
	id1, err1 := o.Ask(context.Background(), "client-a", model.AskOptions{Question: "q"}, nil, textSink, audioSink)
	id2, err2 := o.Ask(context.Background(), "client-b", model.AskOptions{Question: "q"}, nil, textSink, audioSink)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct request ids for distinct clients")
	}
}
