package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestFetchSpendMissingConfig(t *testing.T) {
	c := NewClient(ClientOptions{}, noopLogger())
	if _, err := c.FetchSpend(context.Background()); err == nil {
		t.Fatal("missing base URL should error")
	}

	c = NewClient(ClientOptions{BaseURL: "http://example.test"}, noopLogger())
	if _, err := c.FetchSpend(context.Background()); err == nil {
		t.Fatal("missing project ID should error")
	}
}

func TestFetchSpendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/spend/summary" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("project"); got != "proj-1" {
			t.Fatalf("project = %q", got)
		}
		if got := r.URL.Query().Get("top"); got != "3" {
			t.Fatalf("top = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"period_ts":     "2025-06-01T12:00:00Z",
			"latest_period": "14.25",
			"month_to_date": "82.50",
			"contributors": []map[string]any{
				{"resource_id": "vm-1", "service": "compute", "cost": "9.75"},
				{"resource_id": "db-1", "service": "sql", "cost": "4.50"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{
		BaseURL:         srv.URL,
		ProjectID:       "proj-1",
		TopContributors: 3,
		Timeout:         time.Second,
		UserAgent:       "test",
	}, noopLogger())

	summary, err := c.FetchSpend(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if summary.LatestPeriod.String() != "14.25" {
		t.Fatalf("latest period = %s", summary.LatestPeriod)
	}
	if len(summary.Contributors) != 2 || summary.Contributors[0].ResourceID != "vm-1" {
		t.Fatalf("contributors = %+v", summary.Contributors)
	}
	if summary.PeriodTS.IsZero() {
		t.Fatal("period timestamp should be populated")
	}
}

func TestFetchSpendHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "warehouse offline"})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, ProjectID: "proj-1", Timeout: time.Second}, noopLogger())
	if _, err := c.FetchSpend(context.Background()); err == nil {
		t.Fatal("503 should error")
	}
}

func TestFetchSpendNegativeAmountRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"period_ts":     "2025-06-01T12:00:00Z",
			"latest_period": "-3",
			"month_to_date": "10",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, ProjectID: "proj-1", Timeout: time.Second}, noopLogger())
	if _, err := c.FetchSpend(context.Background()); err == nil {
		t.Fatal("negative spend should be rejected")
	}
}

func TestFetchSpendDefaultsPeriodTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"latest_period": "5",
			"month_to_date": "5",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientOptions{BaseURL: srv.URL, ProjectID: "proj-1", Timeout: time.Second}, noopLogger())
	summary, err := c.FetchSpend(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if summary.PeriodTS.IsZero() {
		t.Fatal("missing period_ts should default to now")
	}
}
