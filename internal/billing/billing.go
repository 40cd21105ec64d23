package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Contributor is one line item in the spend breakdown.
type Contributor struct {
	ResourceID string            `json:"resource_id"`
	Service    string            `json:"service"`
	Cost       decimal.Decimal   `json:"cost"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Summary is one observation of the billing feed.
type Summary struct {
	PeriodTS     time.Time       `json:"period_ts"`
	LatestPeriod decimal.Decimal `json:"latest_period"`
	MonthToDate  decimal.Decimal `json:"month_to_date"`
	Contributors []Contributor   `json:"contributors"`
}

// Source retrieves the current spend summary from the billing warehouse.
// The warehouse query layer itself lives outside this service.
type Source interface {
	FetchSpend(ctx context.Context) (Summary, error)
}
