package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spendguard/internal/audit"
	"spendguard/internal/metrics"
	"spendguard/internal/safety"
	"spendguard/internal/token"
)

// State names a position in the per-attempt machine. Terminal states are
// Denied, Succeeded, Failed, and Simulated; every terminal transition
// writes exactly one audit record.
type State string

const (
	StatePending     State = "Pending"
	StateAuthorizing State = "Authorizing"
	StateDenied      State = "Denied"
	StateExecuting   State = "Executing"
	StateSucceeded   State = "Succeeded"
	StateFailed      State = "Failed"
	StateSimulated   State = "Simulated"
)

// Result is the terminal outcome of one attempt.
type Result struct {
	State    State
	Reason   string
	Attempts int
}

// Instance is the executor's view of a remediation target.
type Instance struct {
	Name   string
	Status string
	Tags   map[string]string
	Disks  []string
}

// StatusStopped is the resource state treated as an idempotent no-op for STOP.
const StatusStopped = "stopped"

// Stopped reports whether the resource is already in the stopped state.
func (i Instance) Stopped() bool {
	return i.Status == StatusStopped
}

// Controller is the remediation target's control surface. Implementations
// live outside the core; calls must carry the request context deadline.
type Controller interface {
	Describe(ctx context.Context, projectID, resourceID string) (Instance, error)
	Stop(ctx context.Context, projectID, resourceID string) error
	Snapshot(ctx context.Context, projectID, resourceID, disk string) error
}

// Permanent controller failures. These are never retried.
var (
	ErrResourceNotFound  = errors.New("executor: resource not found")
	ErrPermissionDenied  = errors.New("executor: permission denied")
	errConcurrentAttempt = errors.New("executor: concurrent attempt in progress")
)

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks an error as retryable (timeouts, 5xx-class responses).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// AttemptRecorder mutates the per-identity rate-limit window. It returns
// the window count including this attempt so the admission decision and
// the increment observe each other atomically.
type AttemptRecorder interface {
	RecordAttemptAndCount(ctx context.Context, identity string, at, windowStart time.Time) (int, error)
}

// ResourceLocker serialises check-then-act sequences per resource.
type ResourceLocker interface {
	TryResourceLock(ctx context.Context, resourceID string) (unlock func(), acquired bool, err error)
}

// Options tune retry behaviour and the global dry-run mode.
type Options struct {
	DryRun         bool
	MaxAttempts    int
	InitialBackoff time.Duration
	CallTimeout    time.Duration
}

// Executor turns a validated token into an effect, at most once.
type Executor struct {
	gate     *safety.Gate
	ctrl     Controller
	attempts AttemptRecorder
	locker   ResourceLocker
	recorder *audit.Recorder
	opts     Options
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   zerolog.Logger
}

// New constructs an executor.
func New(gate *safety.Gate, ctrl Controller, attempts AttemptRecorder, locker ResourceLocker, recorder *audit.Recorder, opts Options, logger zerolog.Logger) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Executor{
		gate:     gate,
		ctrl:     ctrl,
		attempts: attempts,
		locker:   locker,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// WithClock overrides time sources. Intended for tests; the sleep override
// lets retry tests run without real backoff delays.
func (e *Executor) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Executor {
	if now != nil {
		e.now = now
	}
	if sleep != nil {
		e.sleep = sleep
	}
	return e
}

// Execute runs the state machine for one validated token. The token must
// already have passed signature, expiry, and replay checks; Execute owns
// everything from authorization to the terminal audit record.
func (e *Executor) Execute(ctx context.Context, tok token.Token, confirmed bool) Result {
	started := time.Now()
	result := e.run(ctx, tok, confirmed)
	metrics.ObserveRemediation(string(result.State), time.Since(started))
	e.recorder.Record(ctx, audit.Record{
		Timestamp:        e.now().UTC(),
		ProjectID:        tok.ProjectID,
		ResourceID:       tok.ResourceID,
		Action:           tok.Action,
		EstimatedSavings: tok.EstimatedSavings,
		ResultStatus:     string(result.State),
		UserIdentity:     tok.Identity,
		TokenIssuedAt:    tok.IssuedAt,
	})
	return result
}

func (e *Executor) run(ctx context.Context, tok token.Token, confirmed bool) Result {
	unlock, acquired, err := e.locker.TryResourceLock(ctx, tok.ResourceID)
	if err != nil {
		return Result{State: StateFailed, Reason: fmt.Sprintf("acquire resource lock: %v", err)}
	}
	if !acquired {
		e.logger.Warn().Str("resource_id", tok.ResourceID).Msg("resource lock held elsewhere")
		return Result{State: StateFailed, Reason: errConcurrentAttempt.Error()}
	}
	defer unlock()

	instance, err := e.describe(ctx, tok)
	if err != nil {
		return Result{State: StateFailed, Reason: err.Error()}
	}

	decision, err := e.gate.Authorize(ctx, safety.Request{
		ResourceID:       tok.ResourceID,
		ResourceTags:     instance.Tags,
		Identity:         tok.Identity,
		EstimatedSavings: tok.EstimatedSavings,
		Confirmed:        confirmed,
	})
	if err != nil {
		return Result{State: StateFailed, Reason: fmt.Sprintf("authorize: %v", err)}
	}
	if !decision.Allowed() {
		// Deny and unresolved RequireConfirmation both terminate here,
		// before any control call.
		return Result{State: StateDenied, Reason: decision.Message}
	}

	// Count this attempt against the identity's window before acting. The
	// recheck closes the gap between the gate's read and this increment
	// under concurrent attempts by the same identity.
	now := e.now().UTC()
	count, err := e.attempts.RecordAttemptAndCount(ctx, tok.Identity, now, now.Add(-time.Hour))
	if err != nil {
		return Result{State: StateFailed, Reason: fmt.Sprintf("record attempt: %v", err)}
	}
	if count > e.gate.MaxActionsPerHour() {
		return Result{
			State:  StateDenied,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d actions in the last hour", count, e.gate.MaxActionsPerHour()),
		}
	}

	if e.opts.DryRun {
		e.logger.Info().
			Str("action", string(tok.Action)).
			Str("resource_id", tok.ResourceID).
			Msg("dry run: intended action recorded, target not contacted")
		return Result{State: StateSimulated, Reason: fmt.Sprintf("dry run: would execute %s on %s", tok.Action, tok.ResourceID)}
	}

	if instance.Stopped() {
		// Idempotent no-op: the desired end state already holds.
		return Result{State: StateSucceeded, Reason: "resource already stopped"}
	}

	return e.executeAction(ctx, tok, instance)
}

func (e *Executor) describe(ctx context.Context, tok token.Token) (Instance, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()

	instance, err := e.ctrl.Describe(callCtx, tok.ProjectID, tok.ResourceID)
	if err != nil {
		return Instance{}, fmt.Errorf("describe %s: %w", tok.ResourceID, err)
	}
	return instance, nil
}

func (e *Executor) executeAction(ctx context.Context, tok token.Token, instance Instance) Result {
	op := func(callCtx context.Context) error {
		if tok.Action == token.ActionSnapshotAndStop {
			for _, disk := range instance.Disks {
				if err := e.ctrl.Snapshot(callCtx, tok.ProjectID, tok.ResourceID, disk); err != nil {
					return fmt.Errorf("snapshot disk %s: %w", disk, err)
				}
			}
		}
		if err := e.ctrl.Stop(callCtx, tok.ProjectID, tok.ResourceID); err != nil {
			return fmt.Errorf("stop %s: %w", tok.ResourceID, err)
		}
		return nil
	}

	var lastErr error
	backoff := e.opts.InitialBackoff
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		lastErr = op(callCtx)
		cancel()

		if lastErr == nil {
			e.logger.Info().
				Str("action", string(tok.Action)).
				Str("resource_id", tok.ResourceID).
				Int("attempt", attempt).
				Msg("remediation executed")
			return Result{State: StateSucceeded, Reason: fmt.Sprintf("%s completed", tok.Action), Attempts: attempt}
		}

		if !IsTransient(lastErr) {
			return Result{State: StateFailed, Reason: lastErr.Error(), Attempts: attempt}
		}

		e.logger.Warn().Err(lastErr).
			Str("resource_id", tok.ResourceID).
			Int("attempt", attempt).
			Msg("transient failure, backing off")

		if attempt == e.opts.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return Result{State: StateFailed, Reason: fmt.Sprintf("aborted during backoff: %v", err), Attempts: attempt}
		}
		backoff *= 2
	}

	return Result{
		State:    StateFailed,
		Reason:   fmt.Sprintf("retries exhausted: %v", lastErr),
		Attempts: e.opts.MaxAttempts,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
