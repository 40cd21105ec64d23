package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/anomaly"
	"spendguard/internal/token"
)

func testNotification() Notification {
	return Notification{
		DetectedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		ProjectID:   "proj-1",
		Severity:    anomaly.SeverityHigh,
		Reason:      anomaly.ReasonZScore,
		Observed:    decimal.NewFromFloat(20),
		Baseline:    decimal.NewFromFloat(10),
		ZScore:      5.0,
		MonthToDate: decimal.NewFromFloat(80),
		BudgetLimit: decimal.NewFromFloat(100),
		ResourceID:  "vm-1",
		ActionLinks: []ActionLink{
			{Action: token.ActionStop, URL: "http://localhost:8080/api/v1/execute/STOP?token=abc"},
		},
		Recipient: "ops@example.com",
	}
}

func TestWebhookNotifierSuccess(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	text, _ := received["text"].(string)
	if text == "" {
		t.Fatal("rendered text should be present")
	}
	if !strings.Contains(text, "STOP") || !strings.Contains(text, "execute/STOP") {
		t.Fatalf("text should carry the action link, got %q", text)
	}
	if received["severity"] != "high" {
		t.Fatalf("severity = %v", received["severity"])
	}
	if received["resource_id"] != "vm-1" {
		t.Fatalf("resource_id = %v", received["resource_id"])
	}
}

func TestWebhookNotifierRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("non-2xx response should error")
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("unreachable endpoint should error")
	}
}

func TestRenderMessageBudgetRule(t *testing.T) {
	note := testNotification()
	note.Reason = anomaly.ReasonBudget
	note.ZScore = 0

	text := renderMessage(note)
	if !strings.Contains(text, "budget rule") {
		t.Fatalf("text should name the rule, got %q", text)
	}
	if strings.Contains(text, "z=") {
		t.Fatalf("no z-score fragment expected for the budget rule, got %q", text)
	}
}
