package contracts

import (
	"time"
)

// MercyOutcome records the probabilistic gate's decision for a stake.
type MercyOutcome string

const (
	MercySpared   MercyOutcome = "SPARED"
	MercyExecuted MercyOutcome = "EXECUTED"
)

// ExecutionStatus tracks the executor's progress on a consequence.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "PENDING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// ConsequenceRecord is the durable evaluation of one stake on one missed
// unit. At most one record exists per (DeadlineUnitID, StakeKind); the
// storage layer enforces that with a unique constraint, and every
// exactly-once guarantee in the pipeline hangs off it. Records are created
// by the decision engine, mutated by the executor and by client
// acknowledgment, and never deleted.
type ConsequenceRecord struct {
	ID                  string           `json:"id"`
	OwnerID             string           `json:"owner_id"`
	DeadlineUnitID      string           `json:"deadline_unit_id"`
	StakeKind           StakeKind        `json:"stake_kind"`
	Stake               Stake            `json:"stake"`
	TriggeredAt         time.Time        `json:"triggered_at"`
	MercyRollOutcome    MercyOutcome     `json:"mercy_roll_outcome"`
	ExecutionStatus     ExecutionStatus  `json:"execution_status"`
	ExecutionDetails    ExecutionDetails `json:"execution_details"`
	ExecutionAttempts   int              `json:"execution_attempts"`
	LastExecutionError  string           `json:"last_execution_error,omitempty"`
	NotificationShownAt *time.Time       `json:"notification_shown_at,omitempty"`
	AcknowledgedAt      *time.Time       `json:"acknowledged_at,omitempty"`
}

// ExecutionDetails is a tagged variant keyed by the record's StakeKind.
// Triggered=false marks a spared record that never reached a collaborator.
type ExecutionDetails struct {
	Triggered     bool   `json:"triggered"`
	TransactionID string `json:"transaction_id,omitempty"`
	DeliveryID    string `json:"delivery_id,omitempty"`
	RecipientRef  string `json:"recipient_ref,omitempty"`
	PostID        string `json:"post_id,omitempty"`
}

// ExternalReference returns the collaborator's reference for an executed
// record, keyed by stake kind. Empty for spared or unexecuted records.
func (d ExecutionDetails) ExternalReference(kind StakeKind) string {
	switch kind {
	case StakeMonetary:
		return d.TransactionID
	case StakeContentRelease:
		return d.DeliveryID
	case StakeSocialPost:
		return d.PostID
	}
	return ""
}
