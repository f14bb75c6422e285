package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/cancel"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/registry"
	"github.com/lokutor-ai/exhibit-guide/internal/tour"
)

type fakeOrchestrator struct {
	run func(ctx context.Context, clientID string, opts model.AskOptions, audioPCM []byte, textSink model.TextSink, audioSink model.AudioSink) (string, error)
}

func (f *fakeOrchestrator) Ask(ctx context.Context, clientID string, opts model.AskOptions, audioPCM []byte, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
	return f.run(ctx, clientID, opts, audioPCM, textSink, audioSink)
}

type fakeASR struct {
	text string
	err  error
}

func (f *fakeASR) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	return f.text, f.err
}

func newTestServer(orch Orchestrator, asrBackend ASR) *Server {
	cfg := config.Config{HeartbeatInterval: time.Hour}
	events := eventstore.New(256)
	fabric := cancel.New(context.Background())
	reg := registry.New(config.Config{
		RateLimitAsk:         config.RateLimit{Limit: 1000, Window: time.Minute},
		RateLimitAskPrefetch: config.RateLimit{Limit: 1000, Window: time.Minute},
		RateLimitASR:         config.RateLimit{Limit: 1000, Window: time.Minute},
	})
	tourMachine := tour.New(tour.Config{PrefetchWindow: 2, DefaultResumeMode: model.ResumeRestart}, events, func(tour.Intent) {})
	return New(cfg, &logging.NoOpLogger{}, orch, asrBackend, fabric, reg, events, tourMachine)
}

// parseSSE splits a raw SSE body into (event, data) pairs.
func parseSSE(body string) []struct{ Event, Data string } {
	var out []struct{ Event, Data string }
	for _, frame := range strings.Split(strings.TrimSpace(body), "\n\n") {
		if frame == "" {
			continue
		}
		var ev, data string
		for _, line := range strings.Split(frame, "\n") {
			if strings.HasPrefix(line, "event: ") {
				ev = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, struct{ Event, Data string }{ev, data})
	}
	return out
}

func TestHandleAskRequiresClientID(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"question":"hi"}`))
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without X-Client-ID, got %d", rec.Code)
	}
}

func TestHandleAskRequiresQuestion(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{}`))
	req.Header.Set("X-Client-ID", "c1")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty question, got %d", rec.Code)
	}
}

func TestHandleAskStreamsTextAudioReadyAndDone(t *testing.T) {
	orch := &fakeOrchestrator{run: func(ctx context.Context, clientID string, opts model.AskOptions, audioPCM []byte, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		textSink(ctx, 0, "hello")
		audioSink(ctx, model.AudioSegment{RequestID: "req-1", Seq: 0, Bytes: []byte("a"), ContentType: "audio/raw"})
		return "req-1", nil
	}}
	s := newTestServer(orch, &fakeASR{})

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"question":"what is this?"}`))
	req.Header.Set("X-Client-ID", "c1")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}

	frames := parseSSE(rec.Body.String())
	if len(frames) != 3 {
		t.Fatalf("expected text, audio_ready, done frames, got %+v", frames)
	}
	if frames[0].Event != "text" || frames[1].Event != "audio_ready" || frames[2].Event != "done" {
		t.Fatalf("unexpected frame sequence: %+v", frames)
	}

	var done doneFrame
	if err := json.Unmarshal([]byte(frames[2].Data), &done); err != nil {
		t.Fatalf("failed to decode done frame: %v", err)
	}
	if done.RequestID != "req-1" {
		t.Fatalf("expected request_id req-1 in done frame, got %q", done.RequestID)
	}
}

func TestHandleAskStreamsErrorFrameOnFailure(t *testing.T) {
	orch := &fakeOrchestrator{run: func(ctx context.Context, clientID string, opts model.AskOptions, audioPCM []byte, textSink model.TextSink, audioSink model.AudioSink) (string, error) {
		return "req-1", apierr.New(apierr.CodeRAGError, "retrieval failed")
	}}
	s := newTestServer(orch, &fakeASR{})

	req := httptest.NewRequest(http.MethodPost, "/ask", strings.NewReader(`{"question":"what is this?"}`))
	req.Header.Set("X-Client-ID", "c1")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)

	frames := parseSSE(rec.Body.String())
	if len(frames) != 1 || frames[0].Event != "error" {
		t.Fatalf("expected a single error frame, got %+v", frames)
	}
	var ef errorFrame
	json.Unmarshal([]byte(frames[0].Data), &ef)
	if ef.Code != string(apierr.CodeRAGError) {
		t.Fatalf("expected rag_error code, got %q", ef.Code)
	}
}

func TestHandleTTSStreamBlocksUntilAudioArrives(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.audio.put(model.AudioSegment{RequestID: "req-1", Seq: 0, Bytes: []byte("chunk"), ContentType: "audio/raw"})
	}()

	req := httptest.NewRequest(http.MethodGet, "/tts_stream?request_id=req-1&seq=0", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.Router().ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handleTTSStream did not return after the segment arrived")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "chunk" {
		t.Fatalf("expected raw audio bytes, got %q", rec.Body.String())
	}
}

func TestHandleTTSStreamNotFoundAfterRequestFinishesWithoutSegment(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	s.audio.finish("req-1", nil)

	req := httptest.NewRequest(http.MethodGet, "/tts_stream?request_id=req-1&seq=0", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleSpeechToTextTranscribesUpload(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{text: "hello world"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("audio", "clip.raw")
	fw.Write([]byte{1, 2, 3})
	mw.WriteField("language", "en")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/speech_to_text", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Client-ID", "c1")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["text"] != "hello world" {
		t.Fatalf("expected transcribed text, got %+v", resp)
	}
}

func TestHandleSpeechToTextErrorMapsToASRErrorCode(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{err: errors.New("boom")})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("audio", "clip.raw")
	fw.Write([]byte{1})
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/speech_to_text", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Client-ID", "c1")
	rec := httptest.NewRecorder()

	s.Router().ServeHTTP(rec, req)
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != string(apierr.CodeASRError) {
		t.Fatalf("expected asr_error code, got %+v", body)
	}
}

func TestHandleCancelByRequestID(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	s.fabric.Register("c1", "r1", "ask")

	req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{"request_id":"r1"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["cancelled"] != 1 {
		t.Fatalf("expected cancelled=1, got %+v", resp)
	}
}

func TestHandleCancelRequiresIdentifier(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStatusReportsFinishedForUnknownRequest(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodGet, "/status?request_id=ghost", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp statusResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.TTSState != "finished" {
		t.Fatalf("expected tts_state finished for an unknown request, got %q", resp.TTSState)
	}
	if resp.Cancelled {
		t.Fatalf("expected cancelled=false for an unregistered token")
	}
}

func TestHandleEventsReturnsJSONArray(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	s.events.Append(eventstore.Event{RequestID: "r1", Name: "submit"})

	req := httptest.NewRequest(http.MethodGet, "/events?request_id=r1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var events []eventstore.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("failed to decode events array: %v", err)
	}
	if len(events) != 1 || events[0].Name != "submit" {
		t.Fatalf("expected one submit event, got %+v", events)
	}
}

func TestTourLifecycleThroughHTTP(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})

	startReq := httptest.NewRequest(http.MethodPost, "/tour/start", strings.NewReader(`{"stops":["a","b","c"]}`))
	startReq.Header.Set("X-Client-ID", "c1")
	startRec := httptest.NewRecorder()
	s.Router().ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusOK {
		t.Fatalf("expected 200 starting tour, got %d: %s", startRec.Code, startRec.Body.String())
	}
	var state tourStateWire
	json.Unmarshal(startRec.Body.Bytes(), &state)
	if state.Mode != "running" || state.StopIndex != 0 {
		t.Fatalf("unexpected start state: %+v", state)
	}

	nextReq := httptest.NewRequest(http.MethodPost, "/tour/next", nil)
	nextReq.Header.Set("X-Client-ID", "c1")
	nextRec := httptest.NewRecorder()
	s.Router().ServeHTTP(nextRec, nextReq)
	var nextState tourStateWire
	json.Unmarshal(nextRec.Body.Bytes(), &nextState)
	if nextState.StopIndex != 1 {
		t.Fatalf("expected stop_index 1 after next, got %d", nextState.StopIndex)
	}

	stateReq := httptest.NewRequest(http.MethodGet, "/tour/state", nil)
	stateReq.Header.Set("X-Client-ID", "c1")
	stateRec := httptest.NewRecorder()
	s.Router().ServeHTTP(stateRec, stateReq)
	if stateRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for tour state, got %d", stateRec.Code)
	}
}

func TestTourStateNotFoundForUnknownClient(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodGet, "/tour/state", nil)
	req.Header.Set("X-Client-ID", "never-started")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a client with no tour, got %d", rec.Code)
	}
}

func TestTourStartTwiceWhileRunningReturnsBadRequest(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})

	body := `{"stops":["a","b"]}`
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/tour/start", strings.NewReader(body))
		req.Header.Set("X-Client-ID", "c1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if i == 1 && rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 starting an already-running tour, got %d", rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeOrchestrator{}, &fakeASR{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
