package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

type askRequestBody struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Style     string `json:"style"`
	DurationS int    `json:"duration_s"`
}

type textFrame struct {
	Type  string `json:"type"`
	Seq   int    `json:"seq,omitempty"`
	Delta string `json:"delta,omitempty"`
}

type audioReadyFrame struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
}

type doneFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleAsk runs the Ask operation, streaming the RAG text answer over SSE
// while staging produced AudioSegments for retrieval via /tts_stream, per §6.
// Audio bytes themselves never go over this connection: the client learns a
// segment is ready via an audio_ready frame and fetches it from /tts_stream.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFromRequest(r)
	if clientID == "" {
		badRequest(w, "X-Client-ID header is required")
		return
	}

	var body askRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if body.Question == "" {
		badRequest(w, "question is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, apierr.Internal(errNoFlush))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	stop := make(chan struct{})
	go startHeartbeat(w, flusher, s.heartbeatInterval(), &writeMu, stop)
	defer close(stop)

	opts := model.AskOptions{
		Question:  body.Question,
		SessionID: body.SessionID,
		Kind:      askKindOrDefault(body.Kind),
		Style:     body.Style,
		DurationS: body.DurationS,
	}

	// askCtx is cancelled the moment a write to the client fails, which is
	// how a disconnected SSE client turns into a cancelled request (§5)
	// instead of surfacing as a generic rag_error/tts_error (§7).
	askCtx, cancelAsk := context.WithCancel(r.Context())
	defer cancelAsk()

	textSink := func(ctx context.Context, seq int, delta string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeSSE(w, flusher, "text", textFrame{Type: "text", Seq: seq, Delta: delta}); err != nil {
			cancelAsk()
			return err
		}
		return nil
	}

	var requestIDHolder string
	audioSink := func(ctx context.Context, seg model.AudioSegment) error {
		s.audio.put(seg)
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := writeSSE(w, flusher, "audio_ready", audioReadyFrame{Type: "audio_ready", Seq: seg.Seq}); err != nil {
			cancelAsk()
			return err
		}
		return nil
	}

	requestID, askErr := s.orchestrator.Ask(askCtx, clientID, opts, nil, textSink, audioSink)
	requestIDHolder = requestID
	s.audio.finish(requestIDHolder, askErr)

	writeMu.Lock()
	defer writeMu.Unlock()
	if askErr != nil {
		status, body := toErrorBody(askErr)
		_ = status
		_ = writeSSE(w, flusher, "error", errorFrame{Type: "error", Code: body.Code, Message: body.Message})
		return
	}
	_ = writeSSE(w, flusher, "done", doneFrame{Type: "done", RequestID: requestIDHolder})
}

var errNoFlush = newStaticErr("response writer does not support flushing")

func askKindOrDefault(kind string) model.RequestKind {
	if kind == "" {
		return model.KindAsk
	}
	return model.RequestKind(kind)
}

type staticErr string

func (e staticErr) Error() string { return string(e) }

func newStaticErr(msg string) error { return staticErr(msg) }
