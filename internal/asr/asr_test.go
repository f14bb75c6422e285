package asr

import (
	"context"
	"errors"
	"testing"
)

type fakeBackend struct {
	name       string
	transcript string
	err        error
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Transcribe(ctx context.Context, audioPCM []byte, language string) (string, error) {
	return f.transcript, f.err
}

func TestTranscribeDelegatesToPrimary(t *testing.T) {
	d := New(map[Provider]Backend{ProviderDeepgram: &fakeBackend{name: "deepgram", transcript: "hello there"}}, ProviderDeepgram)

	text, err := d.Transcribe(context.Background(), []byte{0, 1, 2}, "zh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("expected transcript from primary backend, got %q", text)
	}
	if d.Name() != "deepgram" {
		t.Fatalf("expected Name() to report the primary backend, got %q", d.Name())
	}
}

func TestTranscribePropagatesBackendError(t *testing.T) {
	boom := errors.New("boom")
	d := New(map[Provider]Backend{ProviderGroqWhisper: &fakeBackend{name: "groq", err: boom}}, ProviderGroqWhisper)

	_, err := d.Transcribe(context.Background(), nil, "en")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the backend's error to propagate, got %v", err)
	}
}

func TestTranscribeUnconfiguredPrimaryReturnsErrNoBackend(t *testing.T) {
	d := New(map[Provider]Backend{}, ProviderDeepgram)

	_, err := d.Transcribe(context.Background(), nil, "en")
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("expected ErrNoBackend, got %v", err)
	}
}
