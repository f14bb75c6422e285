// Package eventstore implements the Event Store (C3): an append-only
// per-request timeline with bounded retention, query, a finite live stream
// for the /events SSE endpoint, and derived latency timings.
//
// Each request_id owns a fixed-size ring buffer (a values slice with a
// wrapping next index and a filled flag) so one request's event volume
// can never evict another's, and no cross-request lock contention exists
// on the hot append path, per the "shared event log with concurrent
// writers" redesign note in §9.
package eventstore

import (
	"sort"
	"sync"
	"time"
)

// Kind/Level mirror model.Event but are redeclared here as plain strings to
// avoid importing model and to keep this package usable standalone; callers
// in internal/model-aware packages pass the already-typed values through.
type Event struct {
	Seq       uint64
	RequestID string
	ClientID  string
	TSMillis  int64
	Kind      string
	Name      string
	Level     string
	Fields    map[string]interface{}
}

const defaultRetention = 256

// perRequestLog is a ring buffer of events for a single request, with its own
// lock so concurrent writers for different requests never contend.
type perRequestLog struct {
	mu       sync.Mutex
	events   []Event
	next     int
	filled   bool
	dropped  int
	seq      uint64
	capacity int
}

func newLog(capacity int) *perRequestLog {
	if capacity < 1 {
		capacity = defaultRetention
	}
	return &perRequestLog{events: make([]Event, capacity), capacity: capacity}
}

func (l *perRequestLog) append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq

	if l.filled {
		l.dropped++
	}
	l.events[l.next] = e
	l.next++
	if l.next >= l.capacity {
		l.next = 0
		l.filled = true
	}
}

// snapshot returns events in insertion (Seq) order, oldest first, with an optional
// synthetic "dropped N earlier" marker prepended.
func (l *perRequestLog) snapshot(sinceTS int64, limit int) []Event {
	l.mu.Lock()
	n := l.capacity
	if !l.filled {
		n = l.next
	}
	out := make([]Event, 0, n+1)
	if l.dropped > 0 {
		out = append(out, Event{
			RequestID: "",
			Kind:      "app",
			Name:      "dropped",
			Level:     "warn",
			Fields:    map[string]interface{}{"dropped": l.dropped},
		})
	}
	if l.filled {
		out = append(out, l.events[l.next:]...)
		out = append(out, l.events[:l.next]...)
	} else {
		out = append(out, l.events[:l.next]...)
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	filtered := out[:0]
	for _, e := range out {
		if e.TSMillis >= sinceTS {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

// subscriber is a single /events SSE listener for one request.
type subscriber struct {
	ch chan Event
}

// Store is the per-process Event Store. Append is non-blocking: it writes to
// the request's own ring buffer and fans out (best-effort, non-blocking) to
// any live subscribers; slow subscribers never stall a writer.
type Store struct {
	retention int
	exportFn  func(Event)

	mu          sync.RWMutex
	logs        map[string]*perRequestLog
	subscribers map[string][]*subscriber
	ended       map[string]bool
}

// New builds a Store retaining up to retention events per request (minimum
// 256 per §4.3).
func New(retention int) *Store {
	if retention < 256 {
		retention = defaultRetention
	}
	return &Store{
		retention:   retention,
		logs:        make(map[string]*perRequestLog),
		subscribers: make(map[string][]*subscriber),
		ended:       make(map[string]bool),
	}
}

// SetExporter registers fn to be called (from a separate goroutine, never
// blocking the writer) with every appended Event, for durable export to an
// optional backend such as PGExporter.Export. Pass nil to disable.
func (s *Store) SetExporter(fn func(Event)) {
	s.mu.Lock()
	s.exportFn = fn
	s.mu.Unlock()
}

func (s *Store) logFor(requestID string) *perRequestLog {
	s.mu.RLock()
	l, ok := s.logs[requestID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok = s.logs[requestID]
	if !ok {
		l = newLog(s.retention)
		s.logs[requestID] = l
	}
	return l
}

// Append records an event for its request_id. Non-blocking and safe for
// concurrent use across different request_ids and within one.
func (s *Store) Append(e Event) {
	if e.TSMillis == 0 {
		e.TSMillis = time.Now().UnixMilli()
	}
	s.logFor(e.RequestID).append(e)

	s.mu.RLock()
	subs := append([]*subscriber(nil), s.subscribers[e.RequestID]...)
	s.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- e:
		default:
			// slow subscriber; drop rather than block the writer
		}
	}

	s.mu.RLock()
	exportFn := s.exportFn
	s.mu.RUnlock()
	if exportFn != nil {
		go exportFn(e)
	}
}

// Query returns events for request_id in insertion (Seq) order, which is
// ts_ms order when events are appended with non-decreasing timestamps,
// optionally filtered to
// since_ts and capped at limit (0 = unbounded).
func (s *Store) Query(requestID string, sinceTS int64, limit int) []Event {
	s.mu.RLock()
	l, ok := s.logs[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.snapshot(sinceTS, limit)
}

// Stream returns a finite channel of events for request_id, delivering any
// already-appended events first, then live ones, until End(requestID) is
// called. Not restartable: a second Stream call for an ended request returns
// a closed channel immediately.
func (s *Store) Stream(requestID string) <-chan Event {
	out := make(chan Event, 64)

	s.mu.Lock()
	if s.ended[requestID] {
		s.mu.Unlock()
		close(out)
		return out
	}
	if l, ok := s.logs[requestID]; ok {
		for _, e := range l.snapshot(0, 0) {
			select {
			case out <- e:
			default:
			}
		}
	}
	sub := &subscriber{ch: out}
	s.subscribers[requestID] = append(s.subscribers[requestID], sub)
	s.mu.Unlock()

	return out
}

// End marks a request's stream as finished: live subscribers are closed and
// future Stream calls for this id return an already-closed channel.
func (s *Store) End(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended[requestID] = true
	for _, sub := range s.subscribers[requestID] {
		close(sub.ch)
	}
	delete(s.subscribers, requestID)
}

// DerivedTimings are the fixed anchor-matched latencies of §4.3.
type DerivedTimings struct {
	SubmitToRAGFirstChunkMS *int64
	SubmitToRAGFirstTextMS  *int64
	SubmitToFirstSegmentMS  *int64
	SubmitToTTSFirstAudioMS *int64
	SubmitToPlayEndMS       *int64
	RAGDurationMS           *int64
	TTSCount                int
}

// anchor event names matched against Event.Name to derive timings.
const (
	nameSubmit        = "submit"
	nameRAGFirstChunk = "rag_first_chunk"
	nameRAGDone       = "rag_done"
	nameTTSFirstAudio = "tts_first_audio"
	namePlayEnd       = "play_end"
	nameTTSSegment    = "tts_segment"
)

// Derive matches event names against the fixed anchor table; missing anchors
// yield nil fields.
func (s *Store) Derive(requestID string) DerivedTimings {
	events := s.Query(requestID, 0, 0)

	var submitTS, ragFirstTS, ragDoneTS, ttsFirstTS, playEndTS *int64
	ttsCount := 0

	for _, e := range events {
		ts := e.TSMillis
		switch e.Name {
		case nameSubmit:
			submitTS = ptr(ts)
		case nameRAGFirstChunk:
			if ragFirstTS == nil {
				ragFirstTS = ptr(ts)
			}
		case nameRAGDone:
			ragDoneTS = ptr(ts)
		case nameTTSFirstAudio:
			if ttsFirstTS == nil {
				ttsFirstTS = ptr(ts)
			}
		case namePlayEnd:
			playEndTS = ptr(ts)
		case nameTTSSegment:
			ttsCount++
		}
	}

	d := DerivedTimings{TTSCount: ttsCount}
	if submitTS != nil {
		if ragFirstTS != nil {
			d.SubmitToRAGFirstChunkMS = diff(submitTS, ragFirstTS)
			d.SubmitToRAGFirstTextMS = diff(submitTS, ragFirstTS)
		}
		if ttsFirstTS != nil {
			d.SubmitToFirstSegmentMS = diff(submitTS, ttsFirstTS)
			d.SubmitToTTSFirstAudioMS = diff(submitTS, ttsFirstTS)
		}
		if playEndTS != nil {
			d.SubmitToPlayEndMS = diff(submitTS, playEndTS)
		}
	}
	if ragFirstTS != nil && ragDoneTS != nil {
		d.RAGDurationMS = diff(ragFirstTS, ragDoneTS)
	}

	return d
}

func ptr(v int64) *int64 { return &v }
func diff(a, b *int64) *int64 {
	if a == nil || b == nil {
		return nil
	}
	v := *b - *a
	return &v
}
