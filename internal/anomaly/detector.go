package anomaly

import (
	"time"

	"github.com/shopspring/decimal"

	"spendguard/internal/baseline"
)

// Severity classifies how far an observation sits above the baseline.
type Severity string

const (
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Reason names which rule flagged the observation.
type Reason string

const (
	// ReasonZScore marks a statistical deviation from the baseline.
	ReasonZScore Reason = "zscore"
	// ReasonBudget marks month-to-date spend exceeding the hard budget limit.
	ReasonBudget Reason = "budget"
)

// Event records a flagged observation. Events are produced, never mutated.
type Event struct {
	Observed       float64
	ExpectedMean   float64
	ExpectedStdDev float64
	ZScore         float64
	Severity       Severity
	Reason         Reason
	DetectedAt     time.Time
}

// Options tune the detector. Band offsets are relative to Sensitivity and
// must be positive and strictly increasing.
type Options struct {
	Sensitivity        float64
	MinAbsoluteMargin  float64
	MonthlyBudgetLimit decimal.Decimal
	HighBandOffset     float64
	CriticalBandOffset float64
}

// Detector evaluates observations against a baseline and a budget ceiling.
type Detector struct {
	opts Options
	now  func() time.Time
}

// NewDetector constructs a detector. Zero option fields fall back to the
// documented defaults (sensitivity 2.5, bands at +1 and +2).
func NewDetector(opts Options) *Detector {
	if opts.Sensitivity <= 0 {
		opts.Sensitivity = 2.5
	}
	if opts.HighBandOffset <= 0 {
		opts.HighBandOffset = 1.0
	}
	if opts.CriticalBandOffset <= opts.HighBandOffset {
		opts.CriticalBandOffset = opts.HighBandOffset + 1.0
	}
	return &Detector{opts: opts, now: time.Now}
}

// WithClock overrides the detector clock. Intended for tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Evaluate classifies an observation. It returns nil when nothing is
// anomalous. The statistical rule fails closed while the baseline is cold;
// the budget rule is categorical and evaluated independently, so a
// month-to-date breach flags even on a cold series. The two rules are
// OR-ed, budget first.
func (d *Detector) Evaluate(b baseline.Baseline, observed float64, monthToDate decimal.Decimal) *Event {
	if ev := d.evaluateBudget(monthToDate, observed, b); ev != nil {
		return ev
	}
	if b.Cold() {
		return nil
	}

	if b.StdDev == 0 {
		// Zero variance makes the z-score undefined; fall back to a fixed
		// absolute margin above the mean instead of dividing.
		if observed > b.Mean+d.opts.MinAbsoluteMargin {
			return &Event{
				Observed:     observed,
				ExpectedMean: b.Mean,
				ZScore:       0,
				Severity:     SeverityModerate,
				Reason:       ReasonZScore,
				DetectedAt:   d.now().UTC(),
			}
		}
		return nil
	}

	z := (observed - b.Mean) / b.StdDev
	if z < d.opts.Sensitivity {
		return nil
	}

	return &Event{
		Observed:       observed,
		ExpectedMean:   b.Mean,
		ExpectedStdDev: b.StdDev,
		ZScore:         z,
		Severity:       d.severity(z),
		Reason:         ReasonZScore,
		DetectedAt:     d.now().UTC(),
	}
}

func (d *Detector) evaluateBudget(monthToDate decimal.Decimal, observed float64, b baseline.Baseline) *Event {
	limit := d.opts.MonthlyBudgetLimit
	if limit.IsZero() || monthToDate.LessThanOrEqual(limit) {
		return nil
	}
	return &Event{
		Observed:       observed,
		ExpectedMean:   b.Mean,
		ExpectedStdDev: b.StdDev,
		Severity:       SeverityCritical,
		Reason:         ReasonBudget,
		DetectedAt:     d.now().UTC(),
	}
}

// severity maps a z-score into non-overlapping monotonic bands.
func (d *Detector) severity(z float64) Severity {
	switch {
	case z >= d.opts.Sensitivity+d.opts.CriticalBandOffset:
		return SeverityCritical
	case z >= d.opts.Sensitivity+d.opts.HighBandOffset:
		return SeverityHigh
	default:
		return SeverityModerate
	}
}
