// The bounded-concurrency TTS pipeline for a single question-answering
// request: reader (RAG) -> segmenter (C4) -> dispatch (bounded TTS pool) ->
// ordered emitter, connected by the orderedEmitter's internal queue instead
// of explicit channels between every stage, per §4.6's four-task model.
package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/cleaner"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
	"github.com/lokutor-ai/exhibit-guide/internal/tts"
)

// chunkResult is the outcome of synthesizing one CleanedChunk: either its
// buffered audio Chunks, or an error (handled per §4.6's TTS failure rule:
// seq 0 failure is fatal, seq>0 failure is a skip).
type chunkResult struct {
	chunks []tts.Chunk
	err    error
}

// orderedEmitter reassembles concurrently-produced chunkResults into seq
// order, exerting back-pressure on the dispatcher once more than
// queueCapacity results are buffered ahead of the current cursor.
type orderedEmitter struct {
	mu            sync.Mutex
	cond          *sync.Cond
	pending       map[int]chunkResult
	next          int
	total         int // -1 until known
	queueCapacity int
}

func newOrderedEmitter(queueCapacity int) *orderedEmitter {
	if queueCapacity <= 0 {
		queueCapacity = 16
	}
	e := &orderedEmitter{pending: make(map[int]chunkResult), total: -1, queueCapacity: queueCapacity}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// submit records the result for seq, blocking while the emitter's backlog
// (results produced but not yet drained) is at capacity.
func (e *orderedEmitter) submit(ctx context.Context, seq int, r chunkResult) {
	e.mu.Lock()
	for len(e.pending) >= e.queueCapacity && ctx.Err() == nil {
		e.cond.Wait()
	}
	e.pending[seq] = r
	e.cond.Broadcast()
	e.mu.Unlock()
}

// setTotal records the final count of CleanedChunks once the RAG stream has
// ended (normally, partially, or with zero chunks on an early failure).
func (e *orderedEmitter) setTotal(n int) {
	e.mu.Lock()
	e.total = n
	e.cond.Broadcast()
	e.mu.Unlock()
}

// drain delivers results in seq order via onChunk/onSkip until total is
// reached or ctx is cancelled. A seq-0 error is returned directly (fatal);
// later errors are reported through onSkip and draining continues.
func (e *orderedEmitter) drain(ctx context.Context, onChunk func(seq int, c tts.Chunk) error, onSkip func(seq int, err error)) error {
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

	for {
		e.mu.Lock()
		for {
			if ctx.Err() != nil {
				e.mu.Unlock()
				return ctx.Err()
			}
			if r, ok := e.pending[e.next]; ok {
				_ = r
				break
			}
			if e.total >= 0 && e.next >= e.total {
				e.mu.Unlock()
				return nil
			}
			e.cond.Wait()
		}
		r := e.pending[e.next]
		delete(e.pending, e.next)
		seq := e.next
		e.next++
		e.cond.Broadcast()
		e.mu.Unlock()

		if r.err != nil {
			if seq == 0 {
				return r.err
			}
			onSkip(seq, r.err)
			continue
		}
		for _, c := range r.chunks {
			if err := onChunk(seq, c); err != nil {
				return err
			}
		}
	}
}

// questionPipeline holds the per-request state shared by the
// reader/segmenter/dispatch task, the per-chunk TTS goroutines and the
// ordered emitter task of a single `ask` question.
type questionPipeline struct {
	o        *Orchestrator
	req      *model.Request
	seg      *cleaner.Segmenter
	emitter  *orderedEmitter
	sem      *semaphore.Weighted
	voice    tts.VoiceConfig
	textSink model.TextSink

	mu             sync.Mutex
	textSeq        int
	dispatched     int
	firstRAGChunk  bool
}

func (p *questionPipeline) run(ctx context.Context, sessionID, question string, audioSink model.AudioSink) error {
	g, gctx := errgroup.WithContext(ctx)

	// reader + segmenter + dispatch task.
	g.Go(func() error {
		ragErr := p.o.ragDispatcher.Query(gctx, sessionID, question, func(fragment string) error {
			p.mu.Lock()
			firstSeen := p.firstRAGChunk
			p.firstRAGChunk = true
			seq := p.textSeq
			p.textSeq++
			p.mu.Unlock()
			if !firstSeen {
				p.o.recordEvent(p.req, model.EventRAG, "rag_first_chunk", model.LevelInfo, nil)
			}
			if err := p.textSink(gctx, seq, fragment); err != nil {
				return err
			}
			return p.dispatch(gctx, g, p.seg.Feed(fragment))
		})

		p.mu.Lock()
		sawText := p.firstRAGChunk
		p.mu.Unlock()

		if ragErr != nil && gctx.Err() == nil {
			if !sawText {
				p.emitter.setTotal(0)
				p.o.recordEvent(p.req, model.EventErr, "rag_error", model.LevelError, map[string]interface{}{"error": ragErr.Error()})
				return apierr.Wrap(apierr.CodeRAGError, "retrieval failed", ragErr)
			}
			if err := p.dispatch(gctx, g, p.seg.Close()); err != nil {
				return err
			}
			p.o.recordEvent(p.req, model.EventRAG, "rag_partial", model.LevelWarn, map[string]interface{}{"error": ragErr.Error()})
			p.mu.Lock()
			p.emitter.setTotal(p.dispatched)
			p.mu.Unlock()
			return nil
		}

		if err := p.dispatch(gctx, g, p.seg.Close()); err != nil {
			return err
		}
		p.o.recordEvent(p.req, model.EventRAG, "rag_done", model.LevelInfo, nil)
		p.mu.Lock()
		p.emitter.setTotal(p.dispatched)
		p.mu.Unlock()
		return nil
	})

	// ordered emitter task.
	var drainErr error
	firstAudio := false
	g.Go(func() error {
		drainErr = p.emitter.drain(gctx, func(seq int, c tts.Chunk) error {
			if !firstAudio {
				firstAudio = true
				p.o.recordEvent(p.req, model.EventTTS, "tts_first_audio", model.LevelInfo, nil)
			}
			p.o.recordEvent(p.req, model.EventTTS, "tts_segment", model.LevelDebug, map[string]interface{}{"seq": seq})
			return audioSink(gctx, model.AudioSegment{RequestID: p.req.ID, Seq: seq, Bytes: c.Bytes, ContentType: c.ContentType})
		}, func(seq int, err error) {
			p.o.recordEvent(p.req, model.EventErr, "tts_error", model.LevelError, map[string]interface{}{"seq": seq, "error": err.Error()})
		})
		return drainErr
	})

	waitErr := g.Wait()
	if waitErr != nil {
		if ctx.Err() != nil || waitErr == context.Canceled {
			return p.o.finishCancelled(p.req)
		}
		return waitErr
	}

	p.o.recordEvent(p.req, model.EventTTS, "tts_all_done", model.LevelInfo, nil)
	p.o.recordEvent(p.req, model.EventApp, "play_end", model.LevelInfo, nil)
	return nil
}

// dispatch launches one bounded TTS call per CleanedChunk, acquiring the
// shared semaphore synchronously so back-pressure propagates to the RAG
// reader exactly as §4.6 describes ("the dispatch task blocks on enqueue,
// which blocks the segmenter, which blocks the reader").
func (p *questionPipeline) dispatch(ctx context.Context, g *errgroup.Group, chunks []model.CleanedChunk) error {
	for _, ch := range chunks {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		ch := ch
		p.mu.Lock()
		p.dispatched++
		p.mu.Unlock()

		g.Go(func() error {
			defer p.sem.Release(1)

			var buffered []tts.Chunk
			err := p.o.ttsDispatcher.StreamSynthesize(ctx, ch.Text, p.voice, func(c tts.Chunk) error {
				buffered = append(buffered, c)
				return nil
			})
			p.emitter.submit(ctx, ch.Seq, chunkResult{chunks: buffered, err: err})
			return nil
		})
	}
	return nil
}
