package token

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeConsumedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	err  error
}

func newFakeConsumedStore() *fakeConsumedStore {
	return &fakeConsumedStore{seen: make(map[string]time.Time)}
}

func (f *fakeConsumedStore) MarkConsumed(ctx context.Context, tokenID string, retainUntil time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.seen[tokenID]; ok {
		return false, nil
	}
	f.seen[tokenID] = retainUntil
	return true, nil
}

func newTestService(t *testing.T, consumed ConsumedStore) *Service {
	t.Helper()
	svc, err := NewService(Options{ValidityDuration: 4 * time.Hour}, consumed, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	store := newFakeConsumedStore()
	svc := newTestService(t, store)

	issued, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.NewFromFloat(42.50), "ops@example.com")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.TokenID == "" {
		t.Fatal("token id should be populated")
	}
	if got := issued.ExpiresAt.Sub(issued.IssuedAt); got != 4*time.Hour {
		t.Fatalf("validity = %v, want 4h", got)
	}

	tok, err := svc.Validate(context.Background(), serialized)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if tok.TokenID != issued.TokenID || tok.Action != ActionStop || tok.ResourceID != "vm-123" {
		t.Fatalf("validated token does not match issued: %+v", tok)
	}
}

func TestValidateRejectsTamperedPayload(t *testing.T) {
	svc := newTestService(t, newFakeConsumedStore())

	_, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.SplitN(serialized, ".", 2)
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	// Escalate the action without re-signing.
	mutated := strings.Replace(string(payload), string(ActionStop), string(ActionSnapshotAndStop), 1)
	forged := base64.RawURLEncoding.EncodeToString([]byte(mutated)) + "." + parts[1]

	if _, err := svc.Validate(context.Background(), forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateRejectsForeignKey(t *testing.T) {
	svcA := newTestService(t, newFakeConsumedStore())
	svcB := newTestService(t, newFakeConsumedStore())

	_, serialized, err := svcA.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svcB.Validate(context.Background(), serialized); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid for a token signed elsewhere", err)
	}
}

func TestValidateRejectsMalformedSerialization(t *testing.T) {
	svc := newTestService(t, newFakeConsumedStore())

	for _, input := range []string{"", "nodot", "a.b.c", "!!!.###"} {
		if _, err := svc.Validate(context.Background(), input); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("input %q: err = %v, want ErrTokenInvalid", input, err)
		}
	}
}

func TestValidateExpiry(t *testing.T) {
	store := newFakeConsumedStore()
	svc := newTestService(t, store)

	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	svc.WithClock(func() time.Time { return now })

	_, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// One second past expiry.
	now = issuedAt.Add(4*time.Hour + time.Second)
	if _, err := svc.Validate(context.Background(), serialized); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if len(store.seen) != 0 {
		t.Fatal("expired token must not reach the replay store")
	}
}

func TestValidateExactlyAtExpiryStillValid(t *testing.T) {
	svc := newTestService(t, newFakeConsumedStore())

	issuedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	svc.WithClock(func() time.Time { return now })

	_, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = issuedAt.Add(4 * time.Hour)
	if _, err := svc.Validate(context.Background(), serialized); err != nil {
		t.Fatalf("token presented exactly at expiry should validate: %v", err)
	}
}

func TestValidateReplay(t *testing.T) {
	svc := newTestService(t, newFakeConsumedStore())

	_, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Validate(context.Background(), serialized); err != nil {
		t.Fatalf("first validation: %v", err)
	}
	if _, err := svc.Validate(context.Background(), serialized); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("err = %v, want ErrTokenReplayed", err)
	}
}

func TestValidateConsumedStoreFailure(t *testing.T) {
	store := newFakeConsumedStore()
	store.err = errors.New("connection refused")
	svc := newTestService(t, store)

	_, serialized, err := svc.Issue(ActionStop, "vm-123", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Fail closed when the replay set is unreachable.
	if _, err := svc.Validate(context.Background(), serialized); err == nil {
		t.Fatal("expected an error when the replay store is down")
	}
}

func TestNewServiceSeedValidation(t *testing.T) {
	if _, err := NewService(Options{SigningSeed: "zz"}, newFakeConsumedStore(), zerolog.Nop()); err == nil {
		t.Fatal("non-hex seed should be rejected")
	}
	if _, err := NewService(Options{SigningSeed: "abcd"}, newFakeConsumedStore(), zerolog.Nop()); err == nil {
		t.Fatal("short seed should be rejected")
	}
	seed := strings.Repeat("ab", 32)
	if _, err := NewService(Options{SigningSeed: seed}, newFakeConsumedStore(), zerolog.Nop()); err != nil {
		t.Fatalf("32-byte hex seed should be accepted: %v", err)
	}
}

func TestSeededServicesShareVerification(t *testing.T) {
	seed := strings.Repeat("cd", 32)
	issuer, err := NewService(Options{SigningSeed: seed}, newFakeConsumedStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	verifier, err := NewService(Options{SigningSeed: seed}, newFakeConsumedStore(), zerolog.Nop())
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}

	_, serialized, err := issuer.Issue(ActionSnapshotAndStop, "vm-9", "proj-1", decimal.Zero, "ops")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Validate(context.Background(), serialized); err != nil {
		t.Fatalf("a second instance with the same seed should validate: %v", err)
	}
}

func TestActionURL(t *testing.T) {
	url := ActionURL("http://localhost:8080/", ActionStop, "abc.def")
	want := "http://localhost:8080/api/v1/execute/STOP?token=abc.def"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
}

func TestParseAction(t *testing.T) {
	if _, err := ParseAction("STOP"); err != nil {
		t.Fatalf("STOP should parse: %v", err)
	}
	if _, err := ParseAction("SNAPSHOT_AND_STOP"); err != nil {
		t.Fatalf("SNAPSHOT_AND_STOP should parse: %v", err)
	}
	if _, err := ParseAction("DELETE"); err == nil {
		t.Fatal("unknown action should be rejected")
	}
}
