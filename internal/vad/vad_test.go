package vad

import (
	"math"
	"testing"
	"time"
)

func toneFrame(amplitude float64, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * 32767 * math.Sin(float64(i)))
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}
	return buf
}

func TestSpeechStartRequiresConsecutiveConfirmedFrames(t *testing.T) {
	d := New(0.05, 200*time.Millisecond, 3)
	loud := toneFrame(0.5, 160)

	for i := 0; i < 2; i++ {
		ev := d.Process(loud)
		if ev.Type != EventNone {
			t.Fatalf("expected no event before confirmation, got %v at frame %d", ev.Type, i)
		}
	}
	ev := d.Process(loud)
	if ev.Type != EventSpeechStart {
		t.Fatalf("expected SpeechStart on the confirming frame, got %v", ev.Type)
	}
	if !d.IsSpeaking() {
		t.Fatalf("expected IsSpeaking true after SpeechStart")
	}
}

func TestBriefLoudSpikeDoesNotConfirmSpeech(t *testing.T) {
	d := New(0.05, 200*time.Millisecond, 5)
	loud := toneFrame(0.5, 160)
	quiet := toneFrame(0.001, 160)

	d.Process(loud)
	d.Process(loud)
	ev := d.Process(quiet)
	if ev.Type != EventNone {
		t.Fatalf("expected no event, got %v", ev.Type)
	}
	if d.IsSpeaking() {
		t.Fatalf("a spike below minConfirmed frames should never confirm speech")
	}
}

func TestSpeechEndFiresAfterSilenceLimit(t *testing.T) {
	d := New(0.05, 50*time.Millisecond, 1)
	loud := toneFrame(0.5, 160)
	quiet := toneFrame(0.001, 160)

	if ev := d.Process(loud); ev.Type != EventSpeechStart {
		t.Fatalf("expected immediate SpeechStart with minConfirmed=1, got %v", ev.Type)
	}

	ev := d.Process(quiet)
	if ev.Type != EventNone {
		t.Fatalf("expected no event immediately after dropping below threshold, got %v", ev.Type)
	}

	time.Sleep(60 * time.Millisecond)
	ev = d.Process(quiet)
	if ev.Type != EventSpeechEnd {
		t.Fatalf("expected SpeechEnd once silence exceeds the limit, got %v", ev.Type)
	}
	if d.IsSpeaking() {
		t.Fatalf("expected IsSpeaking false after SpeechEnd")
	}
}

func TestResetClearsConfirmedSpeechState(t *testing.T) {
	d := New(0.05, 50*time.Millisecond, 1)
	d.Process(toneFrame(0.5, 160))
	if !d.IsSpeaking() {
		t.Fatalf("expected speaking state before reset")
	}
	d.Reset()
	if d.IsSpeaking() {
		t.Fatalf("expected Reset to clear IsSpeaking")
	}
}
