package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendSample is a persisted per-period spend observation.
type SpendSample struct {
	ProjectID string
	PeriodTS  time.Time
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// AnomalyRecord captures a flagged observation for auditing and display.
type AnomalyRecord struct {
	ID             int64
	ProjectID      string
	Observed       decimal.Decimal
	ExpectedMean   decimal.Decimal
	ExpectedStdDev decimal.Decimal
	ZScore         float64
	Severity       string
	Reason         string
	DetectedAt     time.Time
	CreatedAt      time.Time
}
