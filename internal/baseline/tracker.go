package baseline

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOutOfOrderSample indicates an observation older than the latest one
// already tracked for the series. No state is mutated when it is returned.
var ErrOutOfOrderSample = errors.New("baseline: sample timestamp precedes latest tracked sample")

// SpendSample is a single observation of the spend series.
type SpendSample struct {
	Timestamp time.Time
	Amount    decimal.Decimal
}

// Baseline summarises the trailing window of the spend series.
// While Cold() reports true the summary must not drive anomaly decisions.
type Baseline struct {
	WindowSize  int
	Mean        float64
	StdDev      float64
	SampleCount int
}

// Cold reports whether the window has not yet filled.
func (b Baseline) Cold() bool {
	return b.SampleCount < b.WindowSize
}

// Tracker maintains a trailing window over one spend series.
type Tracker struct {
	mu     sync.Mutex
	window int
	values []float64
	latest time.Time
}

// NewTracker constructs a tracker with the given trailing window length.
func NewTracker(windowSize int) *Tracker {
	if windowSize < 2 {
		windowSize = 2
	}
	return &Tracker{window: windowSize}
}

// Update folds a new sample into the window and returns the recomputed
// baseline. Samples must arrive in non-decreasing timestamp order; a stale
// sample is rejected with ErrOutOfOrderSample.
func (t *Tracker) Update(sample SpendSample) (Baseline, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.latest.IsZero() && sample.Timestamp.Before(t.latest) {
		return Baseline{}, ErrOutOfOrderSample
	}

	t.latest = sample.Timestamp
	t.values = append(t.values, sample.Amount.InexactFloat64())
	if len(t.values) > t.window {
		t.values = t.values[len(t.values)-t.window:]
	}

	return t.snapshot(), nil
}

// Current returns the baseline over the samples currently in window.
func (t *Tracker) Current() Baseline {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

// Seed pre-populates the window from persisted history, oldest first.
func (t *Tracker) Seed(samples []SpendSample) error {
	for _, s := range samples {
		if _, err := t.Update(s); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) snapshot() Baseline {
	n := len(t.values)
	b := Baseline{WindowSize: t.window, SampleCount: n}
	if n == 0 {
		return b
	}

	var sum float64
	for _, v := range t.values {
		sum += v
	}
	b.Mean = sum / float64(n)

	// Sample standard deviation, matching a direct computation over the
	// same window. A single sample has no spread.
	if n > 1 {
		var sq float64
		for _, v := range t.values {
			d := v - b.Mean
			sq += d * d
		}
		b.StdDev = math.Sqrt(sq / float64(n-1))
	}
	return b
}
