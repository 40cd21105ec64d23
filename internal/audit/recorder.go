package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/token"
)

// Record is one append-only decision outcome. Records are never updated
// or deleted.
type Record struct {
	Timestamp        time.Time
	ProjectID        string
	ResourceID       string
	Action           token.Action
	EstimatedSavings decimal.Decimal
	ResultStatus     string
	UserIdentity     string
	TokenIssuedAt    time.Time
}

// Store persists audit records.
type Store interface {
	InsertAuditRecord(ctx context.Context, rec Record) error
}

// Recorder appends decision outcomes. Recording is best-effort: a failed
// write is surfaced to operators through the log and never alters the
// decision already taken.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

// NewRecorder wires a store into a Recorder.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Record appends one outcome. It never fails the caller's flow.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := r.store.InsertAuditRecord(ctx, rec); err != nil {
		r.logger.Error().Err(err).
			Str("resource_id", rec.ResourceID).
			Str("result_status", rec.ResultStatus).
			Msg("failed to persist audit record")
		return
	}
	r.logger.Info().
		Str("project_id", rec.ProjectID).
		Str("resource_id", rec.ResourceID).
		Str("action", string(rec.Action)).
		Str("result_status", rec.ResultStatus).
		Str("identity", rec.UserIdentity).
		Msg("audit record written")
}
