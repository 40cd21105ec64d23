package anomaly

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"spendguard/internal/baseline"
)

func warmBaseline(mean, stddev float64) baseline.Baseline {
	return baseline.Baseline{WindowSize: 7, SampleCount: 7, Mean: mean, StdDev: stddev}
}

func newTestDetector(budget float64) *Detector {
	return NewDetector(Options{
		Sensitivity:        2.5,
		MinAbsoluteMargin:  1.0,
		MonthlyBudgetLimit: decimal.NewFromFloat(budget),
		HighBandOffset:     1.0,
		CriticalBandOffset: 2.0,
	})
}

func TestEvaluateFlagsHighZScore(t *testing.T) {
	d := newTestDetector(0)

	ev := d.Evaluate(warmBaseline(10, 2), 20, decimal.Zero)
	if ev == nil {
		t.Fatal("observation five deviations above the mean should flag")
	}
	if math.Abs(ev.ZScore-5.0) > 1e-9 {
		t.Fatalf("z-score = %v, want 5.0", ev.ZScore)
	}
	if ev.Reason != ReasonZScore {
		t.Fatalf("reason = %s, want %s", ev.Reason, ReasonZScore)
	}
	if ev.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical at z=5.0", ev.Severity)
	}
}

func TestEvaluateBelowSensitivityIsQuiet(t *testing.T) {
	d := newTestDetector(0)

	// z = 2.0, under the 2.5 sensitivity.
	if ev := d.Evaluate(warmBaseline(10, 2), 14, decimal.Zero); ev != nil {
		t.Fatalf("expected nil, got %+v", ev)
	}
}

func TestEvaluateSeverityBands(t *testing.T) {
	d := newTestDetector(0)

	cases := []struct {
		observed float64
		want     Severity
	}{
		{15.2, SeverityModerate}, // z = 2.6
		{17.0, SeverityHigh},     // z = 3.5
		{19.2, SeverityCritical}, // z = 4.6
	}
	for _, tc := range cases {
		ev := d.Evaluate(warmBaseline(10, 2), tc.observed, decimal.Zero)
		if ev == nil {
			t.Fatalf("observed %v should flag", tc.observed)
		}
		if ev.Severity != tc.want {
			t.Fatalf("observed %v: severity = %s, want %s", tc.observed, ev.Severity, tc.want)
		}
	}
}

func TestEvaluateColdBaselineSuppressesZScore(t *testing.T) {
	d := newTestDetector(0)

	cold := baseline.Baseline{WindowSize: 7, SampleCount: 3, Mean: 10, StdDev: 2}
	if ev := d.Evaluate(cold, 1000, decimal.Zero); ev != nil {
		t.Fatalf("statistical rule must not fire on a cold baseline, got %+v", ev)
	}
}

func TestEvaluateBudgetFiresEvenWhenCold(t *testing.T) {
	d := newTestDetector(100)

	cold := baseline.Baseline{WindowSize: 7, SampleCount: 1}
	ev := d.Evaluate(cold, 5, decimal.NewFromFloat(150))
	if ev == nil {
		t.Fatal("budget breach should flag regardless of baseline warmth")
	}
	if ev.Reason != ReasonBudget {
		t.Fatalf("reason = %s, want %s", ev.Reason, ReasonBudget)
	}
	if ev.Severity != SeverityCritical {
		t.Fatalf("severity = %s, want critical for budget breach", ev.Severity)
	}
}

func TestEvaluateBudgetAtLimitIsQuiet(t *testing.T) {
	d := newTestDetector(100)

	if ev := d.Evaluate(warmBaseline(10, 2), 10, decimal.NewFromFloat(100)); ev != nil {
		t.Fatalf("spend exactly at the limit should not flag, got %+v", ev)
	}
}

func TestEvaluateBudgetTakesPrecedenceOverZScore(t *testing.T) {
	d := newTestDetector(100)

	ev := d.Evaluate(warmBaseline(10, 2), 20, decimal.NewFromFloat(150))
	if ev == nil {
		t.Fatal("expected an event")
	}
	if ev.Reason != ReasonBudget {
		t.Fatalf("reason = %s, want budget when both rules fire", ev.Reason)
	}
}

func TestEvaluateZeroStdDevUsesAbsoluteMargin(t *testing.T) {
	d := newTestDetector(0)

	flat := warmBaseline(10, 0)
	if ev := d.Evaluate(flat, 10.5, decimal.Zero); ev != nil {
		t.Fatalf("within margin should not flag, got %+v", ev)
	}

	ev := d.Evaluate(flat, 12, decimal.Zero)
	if ev == nil {
		t.Fatal("beyond margin over a flat baseline should flag")
	}
	if ev.Severity != SeverityModerate {
		t.Fatalf("severity = %s, want moderate for the margin rule", ev.Severity)
	}
	if ev.ZScore != 0 {
		t.Fatalf("z-score = %v, want 0 when the score is undefined", ev.ZScore)
	}
}

func TestEvaluateDropBelowMeanIsQuiet(t *testing.T) {
	d := newTestDetector(0)

	if ev := d.Evaluate(warmBaseline(10, 2), 1, decimal.Zero); ev != nil {
		t.Fatalf("spend drops should never flag, got %+v", ev)
	}
}
