// Package connectors defines the boundary to the external collaborators
// that carry out penalties: the payment processor, the content-release
// service and the social-platform connector. Every call takes an
// idempotency key so a crash-and-retry after a successful but
// unacknowledged call cannot double-charge, double-release or double-post.
package connectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/forfeit-sh/forfeit/pkg/contracts"
)

// PaymentProcessor charges the committed amount to the configured
// destination.
type PaymentProcessor interface {
	Charge(ctx context.Context, idempotencyKey string, stake *contracts.MonetaryStake) (transactionID string, err error)
}

// ContentReleaser releases uploaded sensitive material to the stake's
// recipient selection.
type ContentReleaser interface {
	Release(ctx context.Context, idempotencyKey string, stake *contracts.ContentReleaseStake) (deliveryID string, err error)
}

// SocialPoster publishes the admission post through the owner's connected
// account. Token refresh is the connector service's problem, not ours.
type SocialPoster interface {
	Post(ctx context.Context, idempotencyKey string, stake *contracts.SocialPostStake) (postID string, err error)
}

// Error is a classified collaborator failure. Retryable failures (timeouts,
// 5xx) are retried with backoff; permanent ones (bad destination, revoked
// token) are escalated immediately.
type Error struct {
	Op         string
	StatusCode int
	Retryable  bool
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (status %d, retryable %t): %s", e.Op, e.StatusCode, e.Retryable, e.Message)
}

// IsRetryable reports whether err is a collaborator failure worth retrying.
// Unclassified errors (network layer, context deadline) are treated as
// retryable: the idempotency key makes a spurious retry safe, an eager
// permanent verdict is not.
func IsRetryable(err error) bool {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Retryable
	}
	return true
}
