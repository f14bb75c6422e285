package httpapi

import (
	"context"
	"sync"

	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

// audioBuffer stages AudioSegments produced during /ask so /tts_stream can
// fetch them by (request_id, seq) afterward, per §6 ("audio delivered
// separately via /tts_stream"). One perRequest entry per in-flight or
// recently-finished request, bounded so a client that never calls
// /tts_stream cannot leak memory indefinitely.
type audioBuffer struct {
	maxRequests int

	mu    sync.Mutex
	order []string // request_id insertion order, for eviction
	byReq map[string]*perRequestAudio
}

type perRequestAudio struct {
	mu      sync.Mutex
	cond    *sync.Cond
	bySeq   map[int]model.AudioSegment
	done    bool
	doneErr error
}

func newAudioBuffer(maxRequests int) *audioBuffer {
	if maxRequests <= 0 {
		maxRequests = 32
	}
	return &audioBuffer{maxRequests: maxRequests, byReq: make(map[string]*perRequestAudio)}
}

func (a *audioBuffer) entryFor(requestID string) *perRequestAudio {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.byReq[requestID]
	if ok {
		return e
	}

	e = &perRequestAudio{bySeq: make(map[int]model.AudioSegment)}
	e.cond = sync.NewCond(&e.mu)
	a.byReq[requestID] = e
	a.order = append(a.order, requestID)

	if len(a.order) > a.maxRequests {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.byReq, oldest)
	}
	return e
}

// put records one produced segment, waking any /tts_stream call blocked
// waiting for it.
func (a *audioBuffer) put(seg model.AudioSegment) {
	e := a.entryFor(seg.RequestID)
	e.mu.Lock()
	e.bySeq[seg.Seq] = seg
	e.cond.Broadcast()
	e.mu.Unlock()
}

// finish marks requestID's segment stream complete (with err, if the
// request ended in error), unblocking any waiter for a seq that will never
// arrive.
func (a *audioBuffer) finish(requestID string, err error) {
	e := a.entryFor(requestID)
	e.mu.Lock()
	e.done = true
	e.doneErr = err
	e.cond.Broadcast()
	e.mu.Unlock()
}

// get blocks until seq is available for requestID, the stream finishes
// without producing it, or ctx is cancelled.
func (a *audioBuffer) get(ctx context.Context, requestID string, seq int) (model.AudioSegment, bool) {
	e := a.entryFor(requestID)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-stop:
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if seg, ok := e.bySeq[seq]; ok {
			return seg, true
		}
		if e.done {
			return model.AudioSegment{}, false
		}
		if ctx.Err() != nil {
			return model.AudioSegment{}, false
		}
		e.cond.Wait()
	}
}
