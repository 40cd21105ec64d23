package token

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the closed set of remediation operations a token can authorise.
type Action string

const (
	// ActionStop stops the compute resource.
	ActionStop Action = "STOP"
	// ActionSnapshotAndStop snapshots every attached disk, then stops.
	ActionSnapshotAndStop Action = "SNAPSHOT_AND_STOP"
)

// ParseAction maps a wire string onto the closed action set.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionStop:
		return ActionStop, nil
	case ActionSnapshotAndStop:
		return ActionSnapshotAndStop, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Token is the signed payload authorising exactly one remediation action
// on exactly one resource. Any post-issuance mutation of these fields
// invalidates the signature.
type Token struct {
	TokenID          string          `json:"token_id"`
	Action           Action          `json:"action"`
	ResourceID       string          `json:"resource_id"`
	ProjectID        string          `json:"project_id"`
	IssuedAt         time.Time       `json:"issued_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	EstimatedSavings decimal.Decimal `json:"estimated_savings"`
	Identity         string          `json:"identity"`
}
