// Package model holds the shared data types of the exhibit guide: Request,
// CleanedChunk, AudioSegment, Event, TourState, and PrefetchSlot, per the
// orchestrator's data model. A Request is its own first-class, short-lived
// value rather than a field on a long-lived chat session, so many
// concurrent kinds (ask, ask_prefetch, wake_word) can be tracked
// independently of the long-lived per-client TourState.
package model

import (
	"context"
	"time"
)

// RequestKind enumerates the recognized request kinds for rate limiting and
// registry bookkeeping.
type RequestKind string

const (
	KindAsk         RequestKind = "ask"
	KindAskPrefetch RequestKind = "ask_prefetch"
	KindWakeWord    RequestKind = "wake_word"
)

// Request is created when a request is admitted and terminated exactly once.
type Request struct {
	ID              string
	ClientID        string
	Kind            RequestKind
	CreatedAt       time.Time
	Deadline        time.Time
	ParentRequestID string // prefetch -> final correlation
}

// CleanedChunk is produced lazily from the RAG text stream by the cleaner.
type CleanedChunk struct {
	Seq       int
	Text      string
	Finalized bool
}

// AudioSegment is produced by TTS per CleanedChunk.
type AudioSegment struct {
	RequestID      string
	Seq            int
	Bytes          []byte
	ContentType    string
	DurationHintMS int64
}

// EventKind classifies an Event's origin stage.
type EventKind string

const (
	EventNav EventKind = "nav"
	EventRAG EventKind = "rag"
	EventTTS EventKind = "tts"
	EventASR EventKind = "asr"
	EventApp EventKind = "app"
	EventErr EventKind = "err"
)

// EventLevel is the severity of an Event.
type EventLevel string

const (
	LevelDebug EventLevel = "debug"
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Event is an append-only timeline entry for a request.
type Event struct {
	Seq       uint64 // monotonic per-request insertion counter
	RequestID string
	ClientID  string
	TSMillis  int64
	Kind      EventKind
	Name      string
	Level     EventLevel
	Fields    map[string]interface{}
}

// TourMode is one of the tour state machine's four states.
type TourMode string

const (
	TourIdle        TourMode = "idle"
	TourRunning     TourMode = "running"
	TourPaused      TourMode = "paused"
	TourInterrupted TourMode = "interrupted"
)

// ResumeMode resolves the Open Question of §9: whether a continuous-tour
// auto-resume restarts the interrupted stop or continues it. Default restart.
type ResumeMode string

const (
	ResumeRestart  ResumeMode = "restart"
	ResumeContinue ResumeMode = "continue"
)

// TourState is one instance per client_id.
type TourState struct {
	Mode             TourMode
	Zone             string
	Profile          string
	Stops            []string
	StopIndex        int
	TemplateID       string
	Style            string
	DurationS        int
	ActiveRequestID  string
	Epoch            int64
	ContinuousTour   bool
	ResumeMode       ResumeMode
}

// PrefetchStatus is the lifecycle state of a PrefetchSlot.
type PrefetchStatus string

const (
	SlotPending  PrefetchStatus = "pending"
	SlotReady    PrefetchStatus = "ready"
	SlotConsumed PrefetchStatus = "consumed"
	SlotEvicted  PrefetchStatus = "evicted"
)

// PrefetchSlot is a materialized future narration of an upcoming stop.
type PrefetchSlot struct {
	StopIndex     int
	Epoch         int64
	Status        PrefetchStatus
	TextChunks    []CleanedChunk
	AudioSegments []AudioSegment
}

// AskOptions carries the per-request knobs accepted by /ask and ask_prefetch.
type AskOptions struct {
	Question  string
	SessionID string
	Kind      RequestKind
	Style     string
	DurationS int
}

// CancelReason records why a request's cancel token fired, for the event log.
type CancelReason string

const (
	CancelUserRequested CancelReason = "user_requested"
	CancelSuperseded    CancelReason = "superseded"
	CancelTimeout       CancelReason = "timeout"
	CancelDisconnect    CancelReason = "disconnect"
)

// AudioSink receives AudioSegments as they are emitted, in seq order.
type AudioSink func(ctx context.Context, seg AudioSegment) error

// TextSink receives text deltas as they are streamed out over SSE.
type TextSink func(ctx context.Context, seq int, delta string) error
