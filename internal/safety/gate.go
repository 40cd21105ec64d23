package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Outcome is the gate's verdict for one attempt.
type Outcome string

const (
	OutcomeAllow               Outcome = "allow"
	OutcomeDeny                Outcome = "deny"
	OutcomeRequireConfirmation Outcome = "require_confirmation"
)

// DenyReason names the policy that short-circuited evaluation.
type DenyReason string

const (
	ReasonBlocklisted          DenyReason = "Blocklisted"
	ReasonRateLimited          DenyReason = "RateLimited"
	ReasonConfirmationRequired DenyReason = "RequireConfirmation"
)

// Decision carries the verdict plus a caller-facing explanation.
type Decision struct {
	Outcome Outcome
	Reason  DenyReason
	Message string
}

// Allowed reports whether execution may proceed.
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// Request describes one attempt presented to the gate.
type Request struct {
	ResourceID       string
	ResourceTags     map[string]string
	Identity         string
	EstimatedSavings decimal.Decimal
	Confirmed        bool
}

// AttemptStore exposes the per-identity rate-limit window.
type AttemptStore interface {
	CountAttemptsSince(ctx context.Context, identity string, since time.Time) (int, error)
}

// Options hold the policy configuration evaluated on every attempt.
type Options struct {
	BlocklistTags            []string
	MaxActionsPerHour        int
	ConfirmationThresholdUSD decimal.Decimal
}

// Gate evaluates policy before any remediation executes. Checks run in a
// fixed order and short-circuit on the first deny: blocklist, rate limit,
// confirmation threshold. Dry-run is not a gate concern; the executor
// simulates instead of refusing.
type Gate struct {
	blocklist map[string]struct{}
	maxPerHr  int
	threshold decimal.Decimal
	attempts  AttemptStore
	now       func() time.Time
	logger    zerolog.Logger
}

// NewGate constructs a gate over the supplied attempt store.
func NewGate(opts Options, attempts AttemptStore, logger zerolog.Logger) *Gate {
	blocklist := make(map[string]struct{}, len(opts.BlocklistTags))
	for _, tag := range opts.BlocklistTags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			blocklist[tag] = struct{}{}
		}
	}

	maxPerHr := opts.MaxActionsPerHour
	if maxPerHr <= 0 {
		maxPerHr = 3
	}

	return &Gate{
		blocklist: blocklist,
		maxPerHr:  maxPerHr,
		threshold: opts.ConfirmationThresholdUSD,
		attempts:  attempts,
		now:       time.Now,
		logger:    logger.With().Str("component", "safety_gate").Logger(),
	}
}

// WithClock overrides the gate clock. Intended for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// MaxActionsPerHour exposes the configured rate ceiling.
func (g *Gate) MaxActionsPerHour() int {
	return g.maxPerHr
}

// Authorize evaluates the policy chain for one attempt.
func (g *Gate) Authorize(ctx context.Context, req Request) (Decision, error) {
	if tag, hit := g.blockedTag(req.ResourceTags); hit {
		g.logger.Warn().
			Str("resource_id", req.ResourceID).
			Str("tag", tag).
			Msg("attempt denied by blocklist")
		return Decision{
			Outcome: OutcomeDeny,
			Reason:  ReasonBlocklisted,
			Message: fmt.Sprintf("resource carries protected tag %q", tag),
		}, nil
	}

	since := g.now().Add(-time.Hour)
	count, err := g.attempts.CountAttemptsSince(ctx, req.Identity, since)
	if err != nil {
		return Decision{}, fmt.Errorf("count attempts for %s: %w", req.Identity, err)
	}
	if count >= g.maxPerHr {
		g.logger.Warn().
			Str("identity", req.Identity).
			Int("count", count).
			Int("limit", g.maxPerHr).
			Msg("attempt denied by rate limit")
		return Decision{
			Outcome: OutcomeDeny,
			Reason:  ReasonRateLimited,
			Message: fmt.Sprintf("rate limit exceeded: %d/%d actions in the last hour", count, g.maxPerHr),
		}, nil
	}

	if !g.threshold.IsZero() && req.EstimatedSavings.GreaterThanOrEqual(g.threshold) && !req.Confirmed {
		return Decision{
			Outcome: OutcomeRequireConfirmation,
			Reason:  ReasonConfirmationRequired,
			Message: fmt.Sprintf("estimated savings $%s/month require explicit confirmation", req.EstimatedSavings.StringFixed(2)),
		}, nil
	}

	return Decision{Outcome: OutcomeAllow}, nil
}

// blockedTag checks both tag keys and values against the protected set.
func (g *Gate) blockedTag(tags map[string]string) (string, bool) {
	for k, v := range tags {
		if _, ok := g.blocklist[strings.ToLower(k)]; ok {
			return strings.ToLower(k), true
		}
		if _, ok := g.blocklist[strings.ToLower(v)]; ok {
			return strings.ToLower(v), true
		}
	}
	return "", false
}
