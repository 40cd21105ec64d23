package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"spendguard/internal/token"
)

// Issue mints one token per action for a resource and prints the links.
// Intended for operators who want remediation links outside a detection run.
func (a *App) Issue(ctx context.Context, opts IssueOptions) error {
	if opts.ResourceID == "" {
		return errors.New("resource id is required")
	}
	if opts.Identity == "" {
		opts.Identity = a.Config.Alerting.Recipient
	}
	if opts.Identity == "" {
		return errors.New("identity is required when alerting.recipient is not configured")
	}

	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	for _, action := range []token.Action{token.ActionStop, token.ActionSnapshotAndStop} {
		tok, serialized, err := d.tokens.Issue(action, opts.ResourceID, a.Config.Billing.ProjectID, opts.EstimatedSavings, opts.Identity)
		if err != nil {
			return fmt.Errorf("issue %s token: %w", action, err)
		}
		url := token.ActionURL(a.Config.Server.BaseURL, action, serialized)
		fmt.Fprintf(os.Stdout, "%s\n  token_id: %s\n  expires:  %s\n  url:      %s\n", action, tok.TokenID, tok.ExpiresAt.Format("2006-01-02 15:04:05 MST"), url)
	}
	return nil
}
