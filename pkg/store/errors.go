package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert loses the uniqueness race on
// (deadline_unit_id, stake_kind). Callers treat it as "already handled":
// it is expected contention, not a failure.
var ErrDuplicate = errors.New("duplicate consequence")
