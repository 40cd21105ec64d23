package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeAttemptStore struct {
	count int
	err   error

	gotIdentity string
	gotSince    time.Time
}

func (f *fakeAttemptStore) CountAttemptsSince(ctx context.Context, identity string, since time.Time) (int, error) {
	f.gotIdentity = identity
	f.gotSince = since
	return f.count, f.err
}

func newTestGate(attempts AttemptStore) *Gate {
	return NewGate(Options{
		BlocklistTags:            []string{"production", "prod", "critical"},
		MaxActionsPerHour:        3,
		ConfirmationThresholdUSD: decimal.NewFromFloat(100),
	}, attempts, zerolog.Nop())
}

func TestAuthorizeAllow(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{count: 0})

	d, err := gate.Authorize(context.Background(), Request{
		ResourceID:       "vm-1",
		ResourceTags:     map[string]string{"env": "staging"},
		Identity:         "ops@example.com",
		EstimatedSavings: decimal.NewFromFloat(20),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !d.Allowed() {
		t.Fatalf("decision = %+v, want allow", d)
	}
}

func TestAuthorizeBlocklistByValue(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{})

	d, err := gate.Authorize(context.Background(), Request{
		ResourceID:   "vm-1",
		ResourceTags: map[string]string{"env": "Production"},
		Identity:     "ops",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Outcome != OutcomeDeny || d.Reason != ReasonBlocklisted {
		t.Fatalf("decision = %+v, want blocklist deny", d)
	}
}

func TestAuthorizeBlocklistByKey(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{})

	d, err := gate.Authorize(context.Background(), Request{
		ResourceID:   "vm-1",
		ResourceTags: map[string]string{"critical": "true"},
		Identity:     "ops",
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Reason != ReasonBlocklisted {
		t.Fatalf("decision = %+v, want blocklist deny on tag key", d)
	}
}

func TestAuthorizeBlocklistBeatsEverything(t *testing.T) {
	// Blocklisted resource with rate limit also exceeded: blocklist wins.
	gate := newTestGate(&fakeAttemptStore{count: 10})

	d, err := gate.Authorize(context.Background(), Request{
		ResourceTags: map[string]string{"env": "prod"},
		Identity:     "ops",
		Confirmed:    true,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Reason != ReasonBlocklisted {
		t.Fatalf("reason = %s, want Blocklisted first in the chain", d.Reason)
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	store := &fakeAttemptStore{count: 3}
	gate := newTestGate(store)

	d, err := gate.Authorize(context.Background(), Request{Identity: "ops@example.com"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Outcome != OutcomeDeny || d.Reason != ReasonRateLimited {
		t.Fatalf("decision = %+v, want rate-limit deny at the ceiling", d)
	}
	if store.gotIdentity != "ops@example.com" {
		t.Fatalf("counted identity = %q", store.gotIdentity)
	}
}

func TestAuthorizeRateLimitWindowIsTrailingHour(t *testing.T) {
	store := &fakeAttemptStore{count: 0}
	gate := newTestGate(store)

	now := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)
	gate.WithClock(func() time.Time { return now })

	if _, err := gate.Authorize(context.Background(), Request{Identity: "ops"}); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !store.gotSince.Equal(now.Add(-time.Hour)) {
		t.Fatalf("since = %v, want trailing hour from %v", store.gotSince, now)
	}
}

func TestAuthorizeRateLimitStoreError(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{err: errors.New("db down")})

	if _, err := gate.Authorize(context.Background(), Request{Identity: "ops"}); err == nil {
		t.Fatal("store failure must propagate, not allow")
	}
}

func TestAuthorizeConfirmationThreshold(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{})

	d, err := gate.Authorize(context.Background(), Request{
		Identity:         "ops",
		EstimatedSavings: decimal.NewFromFloat(150),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Outcome != OutcomeRequireConfirmation {
		t.Fatalf("decision = %+v, want require_confirmation above threshold", d)
	}

	d, err = gate.Authorize(context.Background(), Request{
		Identity:         "ops",
		EstimatedSavings: decimal.NewFromFloat(150),
		Confirmed:        true,
	})
	if err != nil {
		t.Fatalf("authorize confirmed: %v", err)
	}
	if !d.Allowed() {
		t.Fatalf("decision = %+v, want allow once confirmed", d)
	}
}

func TestAuthorizeThresholdBoundary(t *testing.T) {
	gate := newTestGate(&fakeAttemptStore{})

	// Exactly at the threshold requires confirmation.
	d, err := gate.Authorize(context.Background(), Request{
		Identity:         "ops",
		EstimatedSavings: decimal.NewFromFloat(100),
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if d.Outcome != OutcomeRequireConfirmation {
		t.Fatalf("decision = %+v, want confirmation exactly at threshold", d)
	}

	d, err = gate.Authorize(context.Background(), Request{
		Identity:         "ops",
		EstimatedSavings: decimal.NewFromFloat(99.99),
	})
	if err != nil {
		t.Fatalf("authorize below threshold: %v", err)
	}
	if !d.Allowed() {
		t.Fatalf("decision = %+v, want allow just under threshold", d)
	}
}
