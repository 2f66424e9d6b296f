package contracts

import (
	"time"
)

// UnitStatus is the lifecycle status of a DeadlineUnit.
type UnitStatus string

// Unit status constants. Overdue is never written to storage; it is a
// computed view over (pending, deadline < now) consumed by the monitor.
const (
	UnitPending   UnitStatus = "PENDING"
	UnitSubmitted UnitStatus = "SUBMITTED"
	UnitPassed    UnitStatus = "PASSED"
	UnitFailed    UnitStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s UnitStatus) Terminal() bool {
	return s == UnitPassed || s == UnitFailed
}

// DeadlineUnit is a committed goal or checkpoint: a deadline plus the stakes
// forfeited if it is missed. Goals and checkpoints share one shape; a
// checkpoint carries an OrderPosition to distinguish final from intermediate.
type DeadlineUnit struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Title         string     `json:"title,omitempty"`
	Deadline      time.Time  `json:"deadline"`
	Status        UnitStatus `json:"status"`
	OrderPosition int        `json:"order_position,omitempty"`
	Stakes        []Stake    `json:"stakes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Overdue reports whether the unit has missed its deadline without ever
// reaching a terminal state. This is the computed view the monitor scans for.
func (u *DeadlineUnit) Overdue(now time.Time) bool {
	return u.Status == UnitPending && u.Deadline.Before(now)
}

// SubmissionStatus is the grading status of a Submission.
type SubmissionStatus string

const (
	SubmissionPending SubmissionStatus = "PENDING"
	SubmissionPassed  SubmissionStatus = "PASSED"
	SubmissionFailed  SubmissionStatus = "FAILED"
)

// SubmissionType identifies what kind of proof was submitted.
type SubmissionType string

const (
	SubmissionFile SubmissionType = "FILE"
	SubmissionURL  SubmissionType = "URL"
	SubmissionText SubmissionType = "TEXT"
)

// Submission is proof submitted against a DeadlineUnit before its deadline.
// A unit reaches a terminal status only through its most recent submission's
// grading outcome, or through overdue detection when no submission exists.
type Submission struct {
	ID             string           `json:"id"`
	DeadlineUnitID string           `json:"deadline_unit_id"`
	OwnerID        string           `json:"owner_id"`
	Type           SubmissionType   `json:"type"`
	ContentRef     string           `json:"content_ref"`
	Status         SubmissionStatus `json:"status"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	GradedAt       *time.Time       `json:"graded_at,omitempty"`
}
