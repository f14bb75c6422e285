package registry

import (
	"testing"
	"time"

	"github.com/lokutor-ai/exhibit-guide/internal/apierr"
	"github.com/lokutor-ai/exhibit-guide/internal/config"
	"github.com/lokutor-ai/exhibit-guide/internal/model"
)

func testConfig() config.Config {
	return config.Config{
		RateLimitAsk:         config.RateLimit{Limit: 2, Window: time.Minute},
		RateLimitAskPrefetch: config.RateLimit{Limit: 10, Window: time.Minute},
		RateLimitASR:         config.RateLimit{Limit: 10, Window: time.Minute},
	}
}

func TestAdmitWithinLimitSucceeds(t *testing.T) {
	r := New(testConfig())
	now := time.Now()

	req1 := &model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}
	if _, err := r.Admit(req1, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req2 := &model.Request{ID: "r2", ClientID: "c1", Kind: model.KindAsk}
	superseded, err := r.Admit(req2, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if superseded != "r1" {
		t.Fatalf("expected r1 to be superseded, got %q", superseded)
	}
}

func TestAdmitOverLimitReturnsRetriableRateLimit(t *testing.T) {
	r := New(testConfig())
	now := time.Now()

	r.Admit(&model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}, now)
	r.Admit(&model.Request{ID: "r2", ClientID: "c1", Kind: model.KindAsk}, now)

	_, err := r.Admit(&model.Request{ID: "r3", ClientID: "c1", Kind: model.KindAsk}, now)
	if err == nil {
		t.Fatalf("expected rate limit error")
	}
	apiErr, ok := err.(*apierr.APIError)
	if !ok {
		t.Fatalf("expected *apierr.APIError, got %T", err)
	}
	if apiErr.Code != apierr.CodeRateLimited || !apiErr.Retriable {
		t.Fatalf("expected retriable rate_limited error, got %+v", apiErr)
	}
}

func TestAdmitWindowSlidesOutExpiredEntries(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitAsk = config.RateLimit{Limit: 1, Window: 10 * time.Millisecond}
	r := New(cfg)

	now := time.Now()
	if _, err := r.Admit(&model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Admit(&model.Request{ID: "r2", ClientID: "c1", Kind: model.KindAsk}, now.Add(20*time.Millisecond)); err != nil {
		t.Fatalf("expected admission once the window has slid past the first entry: %v", err)
	}
}

func TestCancellationDoesNotFreeRateLimitSlot(t *testing.T) {
	r := New(testConfig())
	now := time.Now()

	req1 := &model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}
	r.Admit(req1, now)
	r.Release(req1) // request terminated (e.g. cancelled), still counts toward the window per §4.2

	req2 := &model.Request{ID: "r2", ClientID: "c1", Kind: model.KindAsk}
	r.Admit(req2, now)

	if _, err := r.Admit(&model.Request{ID: "r3", ClientID: "c1", Kind: model.KindAsk}, now); err == nil {
		t.Fatalf("expected the window to still count the released request")
	}
}

func TestReleaseRemovesFromActiveSet(t *testing.T) {
	r := New(testConfig())
	req := &model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}
	r.Admit(req, time.Now())

	if _, ok := r.Get("r1"); !ok {
		t.Fatalf("expected active request to be found")
	}
	r.Release(req)
	if _, ok := r.Get("r1"); ok {
		t.Fatalf("expected request to be removed from the active set after Release")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("expected ActiveCount 0 after release, got %d", r.ActiveCount())
	}
}

func TestRateLimitsAreIndependentPerKind(t *testing.T) {
	r := New(testConfig())
	now := time.Now()

	r.Admit(&model.Request{ID: "r1", ClientID: "c1", Kind: model.KindAsk}, now)
	r.Admit(&model.Request{ID: "r2", ClientID: "c1", Kind: model.KindAsk}, now)

	if _, err := r.Admit(&model.Request{ID: "r3", ClientID: "c1", Kind: model.KindAskPrefetch}, now); err != nil {
		t.Fatalf("ask_prefetch should have its own independent window: %v", err)
	}
}
