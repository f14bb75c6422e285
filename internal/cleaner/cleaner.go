// Package cleaner implements the Text Cleaner & Segmenter (C4): it turns a
// lazy sequence of RAG text fragments into TTS-ready CleanedChunks, applying
// normalization, sentence-boundary detection, and size-bounded chunk
// emission, per §4.4.
//
// Segmentation follows the same shape as any stateful stream processor: a
// small owned buffer plus a Process-style method that emits discrete events
// from a continuous stream. Here that's an owned strings.Builder buffer, a
// Feed(fragment) method that may emit zero or more CleanedChunks, and a
// Close() that flushes the final chunk.
package cleaner

import (
	"strings"
	"unicode"

	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

// Config holds the size thresholds from §4.4, defaults 40/80/260.
type Config struct {
	MinChunkSize int
	SoftMin      int
	MaxChunkSize int
}

// DefaultConfig returns the spec defaults.
func DefaultConfig() Config {
	return Config{MinChunkSize: 40, SoftMin: 80, MaxChunkSize: 260}
}

var terminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '；': true, ';': true,
}

// substitutions are configurable normalization rewrites (e.g. bracketed
// citation markers stripped), applied before sentence detection.
var defaultSubstitutions = map[string]string{
	"[citation]": "",
	"[ref]":      "",
}

// Segmenter consumes fragments and emits CleanedChunks. It owns a buffer and
// is not safe for concurrent use; callers run it on a single goroutine (the
// segmenter task in the §4.6 pipeline).
type Segmenter struct {
	cfg           Config
	substitutions map[string]string

	buf      strings.Builder
	nextSeq  int
	finished bool
}

// New builds a Segmenter with cfg (use DefaultConfig() for spec defaults).
func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg, substitutions: defaultSubstitutions}
}

// WithSubstitutions overrides the normalization substitution table.
func (s *Segmenter) WithSubstitutions(subs map[string]string) *Segmenter {
	s.substitutions = subs
	return s
}

func (s *Segmenter) normalize(fragment string) string {
	for from, to := range s.substitutions {
		fragment = strings.ReplaceAll(fragment, from, to)
	}

	var b strings.Builder
	b.Grow(len(fragment))
	lastWasSpace := false
	for _, r := range fragment {
		if r == '\x00' || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			continue
		}
		if unicode.IsSpace(r) {
			if lastWasSpace {
				continue
			}
			lastWasSpace = true
			b.WriteRune(' ')
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Feed appends a fragment from the RAG stream (fragment boundaries are
// provider-determined and arbitrary) and returns zero or more CleanedChunks
// ready for TTS.
func (s *Segmenter) Feed(fragment string) []model.CleanedChunk {
	if s.finished {
		return nil
	}
	s.buf.WriteString(s.normalize(fragment))
	return s.drain(false)
}

// Close signals end-of-stream: flushes the remaining buffer as one final
// chunk, or an empty finalized chunk (sentinel) if the buffer is empty.
func (s *Segmenter) Close() []model.CleanedChunk {
	if s.finished {
		return nil
	}
	chunks := s.drain(true)
	s.finished = true

	if len(chunks) > 0 && chunks[len(chunks)-1].Finalized {
		return chunks
	}

	remaining := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	chunks = append(chunks, model.CleanedChunk{
		Seq:       s.nextSeq,
		Text:      remaining,
		Finalized: true,
	})
	s.nextSeq++
	return chunks
}

// drain repeatedly emits chunks from the buffer while emission rules are
// satisfied. When final is true and nothing more can be emitted by the
// normal rules, it does not itself flush the remainder — Close does that so
// the finalized marker is only ever produced once.
func (s *Segmenter) drain(final bool) []model.CleanedChunk {
	var out []model.CleanedChunk

	for {
		text := s.buf.String()
		cut := s.findCut(text, final)
		if cut <= 0 {
			return out
		}

		chunkText := strings.TrimSpace(text[:cut])
		rest := strings.TrimLeft(text[cut:], " ")
		s.buf.Reset()
		s.buf.WriteString(rest)

		if chunkText == "" {
			continue
		}
		out = append(out, model.CleanedChunk{Seq: s.nextSeq, Text: chunkText, Finalized: false})
		s.nextSeq++
	}
}

// findCut returns the byte offset at which to cut the buffer for the next
// chunk, or 0 if no rule currently fires. Precedence per §4.4:
//  1. buffer >= min and a terminator at or past soft_min: cut at the
//     earliest such terminator.
//  2. buffer >= max: cut at the latest terminator <= max, else the last
//     whitespace <= max, else exactly at max.
func (s *Segmenter) findCut(text string, final bool) int {
	n := len(text)

	if n >= s.cfg.MinChunkSize {
		if idx := s.lastTerminatorAtOrAfter(text, s.cfg.SoftMin); idx > 0 {
			return idx
		}
	}

	if n >= s.cfg.MaxChunkSize {
		limit := s.cfg.MaxChunkSize
		if idx := s.lastTerminatorAtOrBefore(text, limit); idx > 0 {
			return idx
		}
		if idx := lastWhitespaceAtOrBefore(text, limit); idx > 0 {
			return idx
		}
		return limit
	}

	return 0
}

// lastTerminatorAtOrAfter finds the earliest sentence-terminating position
// whose byte offset is >= minOffset, scanning left to right so the chunk
// stays as small as allowed once the soft minimum is cleared.
func (s *Segmenter) lastTerminatorAtOrAfter(text string, minOffset int) int {
	runes := []rune(text)
	offset := 0
	lastCut := -1
	for i, r := range runes {
		w := len(string(r))
		if terminators[r] {
			end := offset + w
			followedByBoundary := i == len(runes)-1 || unicode.IsSpace(runes[i+1])
			if followedByBoundary && end >= minOffset {
				return end
			}
			if followedByBoundary {
				lastCut = end
			}
		}
		offset += w
	}
	_ = lastCut
	return -1
}

// lastTerminatorAtOrBefore finds the latest terminator at or before limit
// bytes, used as the max-size emission fallback.
func (s *Segmenter) lastTerminatorAtOrBefore(text string, limit int) int {
	runes := []rune(text)
	offset := 0
	best := -1
	for i, r := range runes {
		w := len(string(r))
		end := offset + w
		if end > limit {
			break
		}
		if terminators[r] {
			followedByBoundary := i == len(runes)-1 || unicode.IsSpace(runes[i+1])
			if followedByBoundary {
				best = end
			}
		}
		offset = end
	}
	return best
}

func lastWhitespaceAtOrBefore(text string, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}
	idx := strings.LastIndexFunc(text[:limit], unicode.IsSpace)
	if idx < 0 {
		return -1
	}
	return idx + 1
}
