// Package orchestrator implements the Conversation Orchestrator (C6): the
// heart of the system, composing ASR -> RAG -> cleaner -> TTS for a single
// request, emitting text and audio concurrently, recording timings into the
// Event Store, per §4.6.
//
// There is no persistent stream or VAD here: every call to Ask is a
// short-lived, independently cancellable Request. Its question pipeline
// (pipeline.go) runs one task that reads RAG, feeds the segmenter and
// dispatches chunks, one goroutine per chunk for its TTS call (bounded by a
// semaphore), and one ordered emitter task. The REDESIGN FLAGS note on
// "coroutine control flow with implicit cancellation" is addressed with
// explicit tokens threaded through every blocking call.
package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel/trace"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/asr"
	"github.com/lokutor-ai/exhibit-guide/internal/cancel"
	"github.com/lokutor-ai/exhibit-guide/internal/cleaner"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/eventstore"
	"github.com/lokutor-ai/exhibit-guide/internal/logging"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/rag"
	"github.com/lokutor-ai/exhibit-guide/internal/registry"
	"github.com/lokutor-ai/exhibit-guide/internal/reqid"
	"github.com/lokutor-ai/exhibit-guide/internal/telemetry"
	"github.com/lokutor-ai/exhibit-guide/internal/tts"
)

// Orchestrator composes the admission, cancellation, cleaning, RAG, and TTS
// components into the single `Ask` operation.
type Orchestrator struct {
	cfg    config.Config
	logger logging.Logger

	fabric   *cancel.Fabric
	registry *registry.Registry
	events   *eventstore.Store

	asrDispatcher *asr.Dispatcher
	ragDispatcher *rag.Dispatcher
	ttsDispatcher *tts.Dispatcher

	cleanerCfg cleaner.Config
	templates  *templateSet

	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// WithMetrics attaches a telemetry.Metrics sink; nil (the default) disables
// metric recording without branching at every call site.
func (o *Orchestrator) WithMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// WithTracer attaches an OpenTelemetry tracer; nil (the default) leaves Ask
// untraced.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// New wires an Orchestrator from its constructed collaborators. Construction
// order mirrors §9: callers build fabric, registry, events, cleaner config,
// and the three provider dispatchers before calling New.
func New(
	cfg config.Config,
	logger logging.Logger,
	fabric *cancel.Fabric,
	reg *registry.Registry,
	events *eventstore.Store,
	asrDispatcher *asr.Dispatcher,
	ragDispatcher *rag.Dispatcher,
	ttsDispatcher *tts.Dispatcher,
) *Orchestrator {
	if logger == nil {
		logger = &logging.NoOpLogger{}
	}
	return &Orchestrator{
		cfg:           cfg,
		logger:        logger,
		fabric:        fabric,
		registry:      reg,
		events:        events,
		asrDispatcher: asrDispatcher,
		ragDispatcher: ragDispatcher,
		ttsDispatcher: ttsDispatcher,
		cleanerCfg:    cleaner.Config{MinChunkSize: cfg.MinChunkSize, SoftMin: cfg.SoftMin, MaxChunkSize: cfg.MaxChunkSize},
		templates:     defaultTemplateSet(),
	}
}

func (o *Orchestrator) voiceFor(style string) tts.VoiceConfig {
	voiceID := o.cfg.DefaultVoiceID
	if style != "" {
		voiceID = style
	}
	return tts.VoiceConfig{VoiceID: voiceID, Rate: o.cfg.DefaultVoiceRate, Language: o.cfg.DefaultLanguage}
}

// Ask runs one question-answering request end to end (§4.6, steps 1-10).
// audioPCM is non-nil for audio-input requests (ASR runs first); textSink
// receives ordered text deltas; audioSink receives ordered AudioSegments.
// Ask blocks until the request completes, errors, or is cancelled.
func (o *Orchestrator) Ask(
	ctx context.Context,
	clientID string,
	opts model.AskOptions,
	audioPCM []byte,
	textSink model.TextSink,
	audioSink model.AudioSink,
) (requestID string, err error) {
	kind := opts.Kind
	if kind == "" {
		kind = model.KindAsk
	}

	now := time.Now()
	requestID = reqid.New()
	req := &model.Request{
		ID:        requestID,
		ClientID:  clientID,
		Kind:      kind,
		CreatedAt: now,
		Deadline:  now.Add(o.cfg.RequestDeadline),
	}

	// Step 1: admit via C2, register cancel token via C1.
	superseded, err := o.registry.Admit(req, now)
	if err != nil {
		return "", err
	}
	token, err := o.fabric.Register(clientID, requestID, string(kind))
	if err != nil {
		o.registry.Release(req)
		return "", apierr.Internal(err)
	}
	if superseded != "" {
		o.fabric.CancelRequest(superseded)
	}

	defer o.registry.Release(req)
	defer o.fabric.Release(requestID)
	defer o.events.End(requestID)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = telemetry.StartRequestSpan(ctx, o.tracer, clientID, requestID, string(kind))
		defer span.End()
	}
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(string(kind)).Inc()
		o.metrics.ActiveRequests.Inc()
		defer o.metrics.ActiveRequests.Dec()
	}

	// runCtx must die on whichever comes first: the request deadline, an
	// explicit cancellation fired through the fabric (token), or ctx itself
	// ending (net/http cancels ctx when the client disconnects mid-SSE).
	runCtx, cancelRun := context.WithDeadline(ctx, req.Deadline)
	defer cancelRun()
	go func() {
		select {
		case <-token.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	// Step 2: submit event.
	o.recordEvent(req, model.EventApp, "submit", model.LevelInfo, map[string]interface{}{"kind": string(kind)})

	question := opts.Question

	// Step 3: ASR if audio input.
	if len(audioPCM) > 0 {
		o.recordEvent(req, model.EventASR, "asr_begin", model.LevelInfo, nil)
		asrCtx, asrCancel := context.WithTimeout(runCtx, o.cfg.ASRSoftTimeout)
		transcript, asrErr := o.asrDispatcher.Transcribe(asrCtx, audioPCM, o.cfg.DefaultLanguage)
		asrCancel()
		if asrErr != nil {
			if runCtx.Err() != nil {
				return requestID, o.finishCancelled(req)
			}
			o.recordEvent(req, model.EventErr, "asr_error", model.LevelError, map[string]interface{}{"error": asrErr.Error()})
			return requestID, apierr.Wrap(apierr.CodeASRError, "speech recognition failed", asrErr)
		}
		o.recordEvent(req, model.EventASR, "asr_done", model.LevelInfo, map[string]interface{}{"transcript_len": len(transcript)})
		question = transcript
	}

	// Step 4: classify intent. Greetings/tour_control short-circuit RAG.
	intent, templated := o.templates.classify(question)
	if intent != intentQuestion {
		return requestID, o.runTemplated(runCtx, req, templated, opts.Style, textSink, audioSink)
	}

	return requestID, o.runQuestion(runCtx, req, opts.SessionID, question, opts.Style, textSink, audioSink)
}

// runTemplated handles greeting/tour_control intents: a single pre-written
// response, synthesized once, no RAG call.
func (o *Orchestrator) runTemplated(ctx context.Context, req *model.Request, text, style string, textSink model.TextSink, audioSink model.AudioSink) error {
	if err := textSink(ctx, 0, text); err != nil {
		return o.classifyTTSPathErr(ctx, req, err)
	}

	voice := o.voiceFor(style)
	seq := 0
	err := o.ttsDispatcher.StreamSynthesize(ctx, text, voice, func(c tts.Chunk) error {
		if seq == 0 {
			o.recordEvent(req, model.EventTTS, "tts_first_audio", model.LevelInfo, nil)
		}
		o.recordEvent(req, model.EventTTS, "tts_segment", model.LevelDebug, map[string]interface{}{"seq": 0})
		return audioSink(ctx, model.AudioSegment{RequestID: req.ID, Seq: 0, Bytes: c.Bytes, ContentType: c.ContentType})
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.finishCancelled(req)
		}
		o.recordEvent(req, model.EventErr, "tts_error", model.LevelError, map[string]interface{}{"error": err.Error(), "seq": 0})
		return apierr.Wrap(apierr.CodeTTSError, "speech synthesis failed", err)
	}

	o.recordEvent(req, model.EventTTS, "tts_all_done", model.LevelInfo, nil)
	o.recordEvent(req, model.EventApp, "play_end", model.LevelInfo, nil)
	return nil
}

func (o *Orchestrator) classifyTTSPathErr(ctx context.Context, req *model.Request, err error) error {
	if ctx.Err() != nil {
		return o.finishCancelled(req)
	}
	return apierr.Internal(err)
}

func (o *Orchestrator) finishCancelled(req *model.Request) error {
	o.recordEvent(req, model.EventApp, "cancelled", model.LevelInfo, nil)
	if o.metrics != nil {
		o.metrics.ObserveCancelled(string(req.Kind))
	}
	return apierr.New(apierr.CodeCancelled, "request cancelled")
}

// stageLatencyNames maps event names that mark a derivable latency anchor
// (§4.3) to the metric label recorded for them.
var stageLatencyNames = map[string]string{
	"rag_first_chunk": "rag_first_chunk",
	"tts_first_audio": "tts_first_audio",
	"play_end":        "play_end",
}

func (o *Orchestrator) recordEvent(req *model.Request, kind model.EventKind, name string, level model.EventLevel, fields map[string]interface{}) {
	now := time.Now()
	o.events.Append(eventstore.Event{
		RequestID: req.ID,
		ClientID:  req.ClientID,
		TSMillis:  now.UnixMilli(),
		Kind:      string(kind),
		Name:      name,
		Level:     string(level),
		Fields:    fields,
	})
	if o.metrics != nil {
		if stage, ok := stageLatencyNames[name]; ok {
			o.metrics.ObserveStage(stage, now.Sub(req.CreatedAt).Milliseconds())
		}
		if level == model.LevelError {
			if errText, _ := fields["error"].(string); errText != "" {
				switch name {
				case "asr_error":
					o.metrics.ObserveProviderError("asr", o.asrDispatcher.Name())
				case "rag_error":
					o.metrics.ObserveProviderError("rag", o.ragDispatcher.Name())
				case "tts_error":
					o.metrics.ObserveProviderError("tts", o.ttsDispatcher.Name())
				}
			}
		}
	}
}

// runQuestion runs the full RAG->cleaner->TTS pipeline (§4.6 steps 5-10).
func (o *Orchestrator) runQuestion(ctx context.Context, req *model.Request, sessionID, question, style string, textSink model.TextSink, audioSink model.AudioSink) error {
	seg := cleaner.New(o.cleanerCfg)
	emitter := newOrderedEmitter(o.cfg.PipelineQueueSize)
	sem := semaphore.NewWeighted(int64(maxInt(1, o.cfg.TTSMaxInFlight)))
	voice := o.voiceFor(style)

	p := &questionPipeline{
		o:         o,
		req:       req,
		seg:       seg,
		emitter:   emitter,
		sem:       sem,
		voice:     voice,
		textSink:  textSink,
	}

	return p.run(ctx, sessionID, question, audioSink)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
