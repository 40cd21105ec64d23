package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/alerting"
	"spendguard/internal/anomaly"
	"spendguard/internal/baseline"
	"spendguard/internal/billing"
	"spendguard/internal/metrics"
	"spendguard/internal/storage"
	"spendguard/internal/token"
)

// AdvisoryLocker serialises check cycles per series across instances.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// ConsumedPruner removes replay-set entries past retention.
type ConsumedPruner interface {
	PruneConsumedBefore(ctx context.Context, cutoff time.Time) error
}

// Options configure the check cycle.
type Options struct {
	ProjectID      string
	BudgetLimit    decimal.Decimal
	AlertThreshold float64
	Recipient      string
	BaseURL        string
	LockKey        int64
}

// CycleResult summarises one check cycle.
type CycleResult struct {
	Timestamp       time.Time        `json:"timestamp"`
	Skipped         bool             `json:"skipped,omitempty"`
	CurrentSpend    decimal.Decimal  `json:"current_spend"`
	MonthToDate     decimal.Decimal  `json:"month_to_date"`
	BudgetWarning   bool             `json:"budget_warning"`
	AnomalyDetected bool             `json:"anomaly_detected"`
	Severity        anomaly.Severity `json:"severity,omitempty"`
	ZScore          float64          `json:"z_score,omitempty"`
}

// Service orchestrates one check cycle: observe, fold into the baseline,
// evaluate, and on anomaly mint action tokens and notify.
type Service struct {
	opts        Options
	source      billing.Source
	tracker     *baseline.Tracker
	detector    *anomaly.Detector
	tokens      *token.Service
	sampleStore storage.SpendSampleStore
	anomalies   storage.AnomalyStore
	notifier    alerting.Notifier
	locker      AdvisoryLocker
	pruner      ConsumedPruner
	logger      zerolog.Logger

	seeded bool
}

// New constructs the watcher service. Stores, notifier, locker, and pruner
// are optional; absent dependencies disable the corresponding step.
func New(opts Options, source billing.Source, tracker *baseline.Tracker, detector *anomaly.Detector, tokens *token.Service, sampleStore storage.SpendSampleStore, anomalies storage.AnomalyStore, notifier alerting.Notifier, locker AdvisoryLocker, pruner ConsumedPruner, logger zerolog.Logger) *Service {
	return &Service{
		opts:        opts,
		source:      source,
		tracker:     tracker,
		detector:    detector,
		tokens:      tokens,
		sampleStore: sampleStore,
		anomalies:   anomalies,
		notifier:    notifier,
		locker:      locker,
		pruner:      pruner,
		logger:      logger.With().Str("component", "watcher").Logger(),
	}
}

// ProcessTick executes one cycle under the cross-instance advisory lock.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	result, err := s.RunCycle(ctx, bucket)
	if err != nil {
		return err
	}
	if result.Skipped {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
	}
	return nil
}

// RunCycle executes one check cycle and reports its summary.
func (s *Service) RunCycle(ctx context.Context, bucket time.Time) (CycleResult, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		metrics.ObserveCheckCycle(metrics.OutcomeError)
		return CycleResult{}, err
	}
	if !proceed {
		metrics.ObserveCheckCycle(metrics.OutcomeSkipped)
		return CycleResult{Timestamp: bucket, Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.executeCycle(ctx, bucket)
	if err != nil {
		metrics.ObserveCheckCycle(metrics.OutcomeError)
		return CycleResult{}, err
	}
	metrics.ObserveCheckCycle(metrics.OutcomeSuccess)
	return result, nil
}

func (s *Service) executeCycle(ctx context.Context, bucket time.Time) (CycleResult, error) {
	summary, err := s.source.FetchSpend(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("fetch spend summary: %w", err)
	}

	if err := s.seedFromHistory(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to seed baseline from history")
	}

	// Evaluate against the window as it stood before this observation;
	// folding the sample in first would let a spike dilute its own baseline.
	prior := s.tracker.Current()

	sample := baseline.SpendSample{Timestamp: summary.PeriodTS, Amount: summary.LatestPeriod}
	if _, err := s.tracker.Update(sample); err != nil {
		if errors.Is(err, baseline.ErrOutOfOrderSample) {
			s.logger.Warn().
				Time("period_ts", summary.PeriodTS).
				Msg("billing feed returned stale period; sample rejected")
			return CycleResult{}, err
		}
		return CycleResult{}, fmt.Errorf("update baseline: %w", err)
	}

	if s.sampleStore != nil {
		record := storage.SpendSample{
			ProjectID: s.opts.ProjectID,
			PeriodTS:  summary.PeriodTS,
			Amount:    summary.LatestPeriod,
		}
		if err := s.sampleStore.UpsertSpendSample(ctx, record); err != nil {
			s.logger.Error().Err(err).Time("period_ts", summary.PeriodTS).Msg("failed to persist spend sample")
		}
	}

	if s.pruner != nil {
		if err := s.pruner.PruneConsumedBefore(ctx, time.Now().UTC()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune consumed tokens")
		}
	}

	result := CycleResult{
		Timestamp:    bucket,
		CurrentSpend: summary.LatestPeriod,
		MonthToDate:  summary.MonthToDate,
	}

	if s.opts.AlertThreshold > 0 && !s.opts.BudgetLimit.IsZero() {
		warnAt := s.opts.BudgetLimit.Mul(decimal.NewFromFloat(s.opts.AlertThreshold))
		if summary.MonthToDate.GreaterThan(warnAt) {
			result.BudgetWarning = true
			s.logger.Warn().
				Str("month_to_date", summary.MonthToDate.String()).
				Str("warn_at", warnAt.String()).
				Msg("month-to-date spend approaching budget limit")
		}
	}

	event := s.detector.Evaluate(prior, summary.LatestPeriod.InexactFloat64(), summary.MonthToDate)
	if event == nil {
		s.logger.Info().
			Time("bucket", bucket).
			Str("observed", summary.LatestPeriod.String()).
			Float64("baseline_mean", prior.Mean).
			Bool("cold", prior.Cold()).
			Msg("no anomaly detected")
		return result, nil
	}

	result.AnomalyDetected = true
	result.Severity = event.Severity
	result.ZScore = event.ZScore
	metrics.ObserveAnomaly(string(event.Severity))

	s.logger.Warn().
		Str("severity", string(event.Severity)).
		Str("reason", string(event.Reason)).
		Float64("z_score", event.ZScore).
		Str("observed", summary.LatestPeriod.String()).
		Msg("spend anomaly detected")

	if s.anomalies != nil {
		record := storage.AnomalyRecord{
			ProjectID:      s.opts.ProjectID,
			Observed:       summary.LatestPeriod,
			ExpectedMean:   decimal.NewFromFloat(event.ExpectedMean),
			ExpectedStdDev: decimal.NewFromFloat(event.ExpectedStdDev),
			ZScore:         event.ZScore,
			Severity:       string(event.Severity),
			Reason:         string(event.Reason),
			DetectedAt:     event.DetectedAt,
		}
		if _, err := s.anomalies.InsertAnomaly(ctx, record); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist anomaly event")
		}
	}

	if err := s.dispatchAlert(ctx, summary, prior, event); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch anomaly alert")
	}

	return result, nil
}

// dispatchAlert mints one token per candidate action for the top cost
// contributor and hands the links to the notifier.
func (s *Service) dispatchAlert(ctx context.Context, summary billing.Summary, base baseline.Baseline, event *anomaly.Event) error {
	if s.notifier == nil {
		return nil
	}

	note := alerting.Notification{
		DetectedAt:  event.DetectedAt,
		ProjectID:   s.opts.ProjectID,
		Severity:    event.Severity,
		Reason:      event.Reason,
		Observed:    summary.LatestPeriod,
		Baseline:    decimal.NewFromFloat(base.Mean),
		ZScore:      event.ZScore,
		MonthToDate: summary.MonthToDate,
		BudgetLimit: s.opts.BudgetLimit,
		Recipient:   s.opts.Recipient,
	}

	if len(summary.Contributors) > 0 {
		candidate := summary.Contributors[0]
		note.ResourceID = candidate.ResourceID

		for _, action := range []token.Action{token.ActionStop, token.ActionSnapshotAndStop} {
			_, serialized, err := s.tokens.Issue(action, candidate.ResourceID, s.opts.ProjectID, candidate.Cost, s.opts.Recipient)
			if err != nil {
				return fmt.Errorf("issue %s token: %w", action, err)
			}
			note.ActionLinks = append(note.ActionLinks, alerting.ActionLink{
				Action: action,
				URL:    token.ActionURL(s.opts.BaseURL, action, serialized),
			})
		}
	}

	return s.notifier.Notify(ctx, note)
}

// seedFromHistory warms the tracker from persisted samples once per process.
func (s *Service) seedFromHistory(ctx context.Context) error {
	if s.seeded || s.sampleStore == nil {
		return nil
	}
	s.seeded = true

	current := s.tracker.Current()
	recent, err := s.sampleStore.ListRecentSamples(ctx, s.opts.ProjectID, current.WindowSize)
	if err != nil {
		return err
	}

	// Rows arrive newest first; the tracker wants oldest first.
	samples := make([]baseline.SpendSample, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		samples = append(samples, baseline.SpendSample{
			Timestamp: recent[i].PeriodTS,
			Amount:    recent[i].Amount,
		})
	}
	return s.tracker.Seed(samples)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
