package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"spendguard/internal/alerting"
	"spendguard/internal/anomaly"
	"spendguard/internal/audit"
	"spendguard/internal/baseline"
	"spendguard/internal/billing"
	"spendguard/internal/config"
	"spendguard/internal/executor"
	"spendguard/internal/memstore"
	"spendguard/internal/safety"
	"spendguard/internal/scheduler"
	"spendguard/internal/server"
	"spendguard/internal/storage"
	"spendguard/internal/token"
	"spendguard/internal/watcher"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// Controller overrides the remediation target client, for tests and
	// for the simulated backend used when no real target is configured.
	Controller executor.Controller
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// deps bundles the wired engine used by both the daemon and one-shot commands.
type deps struct {
	store    *storage.Store
	mem      *memstore.Store
	tokens   *token.Service
	watcher  *watcher.Service
	executor *executor.Executor
	close    func()
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newBillingSource() billing.Source {
	return billing.NewClient(billing.ClientOptions{
		BaseURL:         a.Config.Billing.BaseURL,
		ProjectID:       a.Config.Billing.ProjectID,
		TopContributors: a.Config.Billing.TopContributors,
		Timeout:         a.Config.Billing.RequestTimeout,
		UserAgent:       a.Config.Billing.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		return alerting.NewWebhookNotifier(cfg.URL, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) newDetector() *anomaly.Detector {
	return anomaly.NewDetector(anomaly.Options{
		Sensitivity:        a.Config.Monitor.AnomalySensitivity,
		MinAbsoluteMargin:  a.Config.Monitor.MinAbsoluteMargin,
		MonthlyBudgetLimit: decimal.NewFromFloat(a.Config.Monitor.MonthlyBudgetLimit),
		HighBandOffset:     a.Config.Monitor.HighBandOffset,
		CriticalBandOffset: a.Config.Monitor.CriticalBandOffset,
	})
}

func (a *App) newController() executor.Controller {
	if a.Controller != nil {
		return a.Controller
	}
	return executor.NewSimulatedController(a.Logger)
}

// buildDeps wires the full engine. When the database is not configured the
// in-memory store backs replay protection, rate limiting, and audit, and a
// warning is logged because those guarantees then die with the process.
func (a *App) buildDeps(ctx context.Context) (*deps, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	d := &deps{store: store, close: closeStore}
	if d.close == nil {
		d.close = func() {}
	}

	var (
		consumed    token.ConsumedStore
		attempts    safety.AttemptStore
		recorder    executor.AttemptRecorder
		locker      executor.ResourceLocker
		auditStore  audit.Store
		cycleLocker watcher.AdvisoryLocker
		pruner      watcher.ConsumedPruner
		samples     storage.SpendSampleStore
		anomalies   storage.AnomalyStore
	)

	if store != nil {
		consumed = store
		attempts = store
		recorder = store
		locker = store
		auditStore = store
		cycleLocker = store
		pruner = store
		samples = store
		anomalies = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory state, single-use and rate-limit guarantees are per-process only")
		d.mem = memstore.New()
		consumed = d.mem
		attempts = d.mem
		recorder = d.mem
		locker = d.mem
		auditStore = d.mem
		cycleLocker = d.mem
		pruner = d.mem
	}

	d.tokens, err = token.NewService(token.Options{
		SigningSeed:      a.Config.Tokens.SigningSeed,
		ValidityDuration: a.Config.Tokens.ValidityDuration,
	}, consumed, a.Logger)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("init token service: %w", err)
	}

	gate := safety.NewGate(safety.Options{
		BlocklistTags:            a.Config.Safety.BlocklistTags,
		MaxActionsPerHour:        a.Config.Safety.MaxActionsPerHour,
		ConfirmationThresholdUSD: decimal.NewFromFloat(a.Config.Safety.ConfirmationThresholdUSD),
	}, attempts, a.Logger)

	auditRecorder := audit.NewRecorder(auditStore, a.Logger)

	d.executor = executor.New(gate, a.newController(), recorder, locker, auditRecorder, executor.Options{
		DryRun: a.Config.Safety.DryRunMode,
	}, a.Logger)

	tracker := baseline.NewTracker(a.Config.Monitor.WindowSize)
	d.watcher = watcher.New(watcher.Options{
		ProjectID:      a.Config.Billing.ProjectID,
		BudgetLimit:    decimal.NewFromFloat(a.Config.Monitor.MonthlyBudgetLimit),
		AlertThreshold: a.Config.Monitor.AlertThreshold,
		Recipient:      a.Config.Alerting.Recipient,
		BaseURL:        a.Config.Server.BaseURL,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
	}, a.newBillingSource(), tracker, a.newDetector(), d.tokens, samples, anomalies, a.newNotifier(), cycleLocker, pruner, a.Logger)

	return d, nil
}

// Run executes the long-running service: the scheduler drives periodic check
// cycles while the HTTP server exposes health, on-demand checks, and the
// one-click execution endpoint.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	srv := server.New(server.Options{
		Address:         a.Config.Server.Address,
		GracefulTimeout: a.Config.Server.GracefulTimeout,
		DryRun:          a.Config.Safety.DryRunMode,
	}, d.tokens, d.watcher, d.executor, a.Logger)

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Run(ctx)
	}()
	go func() {
		errCh <- sched.Run(ctx, d.watcher.ProcessTick)
	}()

	a.Logger.Info().Msg("starting anomaly watch service")

	var firstErr error
	for i := 0; i < 2; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
		// One component going down takes the other with it.
		cancel()
	}

	if firstErr != nil {
		a.Logger.Error().Err(firstErr).Msg("service terminated with error")
		return firstErr
	}
	a.Logger.Info().Msg("anomaly watch service stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Anomalies bool
}

// ExportOptions hold parameters for exporting spend history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// IssueOptions configure manual token issuance.
type IssueOptions struct {
	ResourceID       string
	EstimatedSavings decimal.Decimal
	Identity         string
}
