package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"spendguard/internal/audit"
	"spendguard/internal/storage"
)

type auditLister interface {
	ListRecentAuditRecords(ctx context.Context, limit int) ([]audit.Record, error)
}

type anomalyLister interface {
	ListRecentAnomalies(ctx context.Context, limit int) ([]storage.AnomalyRecord, error)
}

// Show prints recent audit records, or recent anomaly events with --anomalies.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Anomalies {
		return a.showAnomalies(ctx, store, opts.Limit)
	}
	return a.showAudit(ctx, store, opts.Limit)
}

func (a *App) showAudit(ctx context.Context, store auditLister, limit int) error {
	records, err := store.ListRecentAuditRecords(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no audit records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tResource\tResult\tSavings\tIdentity")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			rec.Action,
			rec.ResourceID,
			rec.ResultStatus,
			rec.EstimatedSavings.StringFixed(2),
			sanitizeInline(rec.UserIdentity),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showAnomalies(ctx context.Context, store anomalyLister, limit int) error {
	events, err := store.ListRecentAnomalies(ctx, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no anomaly events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tReason\tObserved\tExpected\tZ-Score")

	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%.2f\n",
			ev.DetectedAt.UTC().Format(time.RFC3339),
			ev.Severity,
			ev.Reason,
			ev.Observed.StringFixed(2),
			ev.ExpectedMean.StringFixed(2),
			ev.ZScore,
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
