package cleaner

import (
	"testing"

	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

func joinText(chunks []model.CleanedChunk) string {
	out := ""
	for _, c := range chunks {
		out += c.Text
	}
	return out
}

func TestSegmenterEmitsAtSoftMinOnTerminator(t *testing.T) {
	cfg := Config{MinChunkSize: 10, SoftMin: 15, MaxChunkSize: 100}
	s := New(cfg)

	chunks := s.Feed("Short one. A little longer sentence follows here.")
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk, got none")
	}
	if chunks[0].Finalized {
		t.Errorf("mid-stream chunk should not be finalized")
	}
	if len(chunks[0].Text) < cfg.MinChunkSize {
		t.Errorf("chunk %q shorter than min size", chunks[0].Text)
	}
}

func TestSegmenterHardCutAtMax(t *testing.T) {
	cfg := Config{MinChunkSize: 5, SoftMin: 10, MaxChunkSize: 20}
	s := New(cfg)

	chunks := s.Feed("abcdefghijklmnopqrstuvwxyz no terminators here at all")
	if len(chunks) == 0 {
		t.Fatalf("expected a hard cut once max is exceeded")
	}
	for _, c := range chunks {
		if len(c.Text) > cfg.MaxChunkSize {
			t.Errorf("chunk %q exceeds max chunk size %d", c.Text, cfg.MaxChunkSize)
		}
	}
}

func TestSegmenterCloseFlushesRemainder(t *testing.T) {
	s := New(DefaultConfig())
	s.Feed("too short")
	chunks := s.Close()

	if len(chunks) != 1 {
		t.Fatalf("expected exactly one flushed chunk, got %d", len(chunks))
	}
	if !chunks[0].Finalized {
		t.Errorf("Close's final chunk must be marked finalized")
	}
	if chunks[0].Text != "too short" {
		t.Errorf("unexpected flushed text %q", chunks[0].Text)
	}
}

func TestSegmenterCloseOnEmptyBufferStillFinalizes(t *testing.T) {
	s := New(DefaultConfig())
	chunks := s.Close()
	if len(chunks) != 1 || !chunks[0].Finalized {
		t.Fatalf("expected one finalized sentinel chunk for empty stream, got %+v", chunks)
	}
	if chunks[0].Text != "" {
		t.Errorf("expected empty text for empty stream, got %q", chunks[0].Text)
	}
}

func TestSegmenterIgnoresFeedAfterClose(t *testing.T) {
	s := New(DefaultConfig())
	s.Close()
	if chunks := s.Feed("anything"); chunks != nil {
		t.Errorf("Feed after Close should be a no-op, got %+v", chunks)
	}
}

func TestSegmenterNormalizesWhitespaceAndSubstitutions(t *testing.T) {
	s := New(DefaultConfig())
	chunks := s.Feed("Hello   world [citation] done.")
	chunks = append(chunks, s.Close()...)

	full := joinText(chunks)
	if full != "Hello world done." {
		t.Errorf("expected normalized text, got %q", full)
	}
}
