// Package executor carries out executed-bound consequences against exactly
// one external collaborator per record, idempotently. The idempotency token
// on every outbound call is the consequence record's own id, so a
// crash-and-retry after a successful but unacknowledged call cannot apply
// the penalty twice.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/forfeit-sh/forfeit/pkg/connectors"
	"github.com/forfeit-sh/forfeit/pkg/contracts"
	"github.com/forfeit-sh/forfeit/pkg/notify"
	"github.com/forfeit-sh/forfeit/pkg/store"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultMaxElapsed   = 2 * time.Minute
	defaultBatchLimit   = 50
)

// Executor drains pending consequence records. Safe to run from multiple
// instances: completion is a conditional update on execution_status, so a
// record that two instances race on is closed exactly once and the
// collaborator's idempotency key absorbs the duplicate call.
type Executor struct {
	consequences store.ConsequenceStore
	payments     connectors.PaymentProcessor
	releases     connectors.ContentReleaser
	social       connectors.SocialPoster
	push         notify.PushChannel

	limiter      *rate.Limiter
	logger       *slog.Logger
	pollInterval time.Duration
	maxElapsed   time.Duration
	now          func() time.Time

	executedCounter  metric.Int64Counter
	escalatedCounter metric.Int64Counter
}

// Option configures an Executor.
type Option func(*Executor)

// WithPollInterval overrides how often the executor scans for pending work.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithMaxElapsed bounds the total retry window per record.
func WithMaxElapsed(d time.Duration) Option {
	return func(e *Executor) { e.maxElapsed = d }
}

// WithRateLimit caps outbound collaborator calls per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithClock overrides the executor's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(consequences store.ConsequenceStore, payments connectors.PaymentProcessor, releases connectors.ContentReleaser, social connectors.SocialPoster, push notify.PushChannel, opts ...Option) *Executor {
	e := &Executor{
		consequences: consequences,
		payments:     payments,
		releases:     releases,
		social:       social,
		push:         push,
		limiter:      rate.NewLimiter(rate.Limit(10), 10),
		logger:       slog.Default().With("component", "executor"),
		pollInterval: defaultPollInterval,
		maxElapsed:   defaultMaxElapsed,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("forfeit/executor")
	e.executedCounter, _ = meter.Int64Counter("forfeit.consequences.executed.total",
		metric.WithDescription("Consequences executed to completion"),
		metric.WithUnit("{record}"),
	)
	e.escalatedCounter, _ = meter.Int64Counter("forfeit.consequences.escalated.total",
		metric.WithDescription("Consequences escalated for manual reconciliation"),
		metric.WithUnit("{record}"),
	)
	return e
}

// Run drains pending records on a fixed interval until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drain(ctx)
		}
	}
}

func (e *Executor) drain(ctx context.Context) {
	records, err := e.consequences.ListPendingExecution(ctx, defaultBatchLimit)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to list pending consequences", "error", err)
		return
	}
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := e.ExecuteRecord(ctx, rec.ID); err != nil {
			e.logger.ErrorContext(ctx, "consequence execution errored",
				"consequence_id", rec.ID, "error", err)
		}
	}
}

// ExecuteRecord executes one consequence by id. Re-invoking it on a record
// that already completed (a crash-retry) is a no-op. Retryable collaborator
// failures are retried with exponential backoff inside a bounded window;
// exhaustion and permanent failures escalate the record to FAILED for
// manual reconciliation, never to be retried automatically again.
func (e *Executor) ExecuteRecord(ctx context.Context, id string) error {
	rec, err := e.consequences.GetConsequence(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load consequence %s: %w", id, err)
	}
	if rec.ExecutionStatus != contracts.ExecutionPending {
		// Already handled: completed by this or another instance, or
		// escalated. Nothing to do.
		return nil
	}

	attempts := rec.ExecutionAttempts
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = e.maxElapsed

	var details contracts.ExecutionDetails
	err = backoff.Retry(func() error {
		attempts++
		d, callErr := e.dispatch(ctx, rec)
		if callErr != nil {
			if !connectors.IsRetryable(callErr) {
				return backoff.Permanent(callErr)
			}
			e.logger.WarnContext(ctx, "collaborator call failed, will retry",
				"consequence_id", rec.ID, "stake_kind", rec.StakeKind,
				"attempt", attempts, "error", callErr)
			return callErr
		}
		details = d
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-retry is not a verdict on the record. Leave it
			// pending so the next drain picks it up; the idempotency key
			// covers any call that already landed.
			e.logger.InfoContext(ctx, "execution interrupted, record stays pending",
				"consequence_id", rec.ID, "attempts", attempts)
			return nil
		}
		return e.escalate(ctx, rec, err, attempts)
	}

	ok, err := e.consequences.MarkExecutionCompleted(ctx, rec.ID, details, attempts)
	if err != nil {
		// The external effect happened but the record still says pending.
		// The next drain re-invokes ExecuteRecord and the collaborator's
		// idempotency key returns the same reference without a second
		// side effect.
		return fmt.Errorf("failed to mark consequence %s completed: %w", rec.ID, err)
	}
	if !ok {
		e.logger.DebugContext(ctx, "consequence already closed by another instance", "consequence_id", rec.ID)
		return nil
	}

	e.executedCounter.Add(ctx, 1)
	e.logger.InfoContext(ctx, "consequence executed",
		"consequence_id", rec.ID, "stake_kind", rec.StakeKind,
		"reference", details.ExternalReference(rec.StakeKind), "attempts", attempts)
	e.publish(ctx, rec)
	return nil
}

// dispatch routes the record to exactly one collaborator, keyed by stake
// kind, with the record id as the idempotency token.
func (e *Executor) dispatch(ctx context.Context, rec *contracts.ConsequenceRecord) (contracts.ExecutionDetails, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return contracts.ExecutionDetails{}, err
	}

	details := contracts.ExecutionDetails{Triggered: true}
	switch rec.StakeKind {
	case contracts.StakeMonetary:
		if rec.Stake.Monetary == nil {
			return details, &connectors.Error{Op: "charge", Retryable: false, Message: "missing monetary payload"}
		}
		txID, err := e.payments.Charge(ctx, rec.ID, rec.Stake.Monetary)
		if err != nil {
			return details, err
		}
		details.TransactionID = txID
		details.RecipientRef = rec.Stake.Monetary.Destination
	case contracts.StakeContentRelease:
		if rec.Stake.ContentRelease == nil {
			return details, &connectors.Error{Op: "release", Retryable: false, Message: "missing content_release payload"}
		}
		deliveryID, err := e.releases.Release(ctx, rec.ID, rec.Stake.ContentRelease)
		if err != nil {
			return details, err
		}
		details.DeliveryID = deliveryID
		details.RecipientRef = rec.Stake.ContentRelease.Recipients
	case contracts.StakeSocialPost:
		if rec.Stake.SocialPost == nil {
			return details, &connectors.Error{Op: "post", Retryable: false, Message: "missing social_post payload"}
		}
		postID, err := e.social.Post(ctx, rec.ID, rec.Stake.SocialPost)
		if err != nil {
			return details, err
		}
		details.PostID = postID
	default:
		return details, &connectors.Error{Op: "dispatch", Retryable: false, Message: fmt.Sprintf("unknown stake kind %q", rec.StakeKind)}
	}
	return details, nil
}

// escalate marks a record failed with full context for manual operator
// reconciliation. Failed records are surfaced to the user, never hidden
// and never silently retried.
func (e *Executor) escalate(ctx context.Context, rec *contracts.ConsequenceRecord, cause error, attempts int) error {
	var cerr *connectors.Error
	permanent := errors.As(cause, &cerr) && !cerr.Retryable

	ok, err := e.consequences.MarkExecutionFailed(ctx, rec.ID, cause.Error(), attempts)
	if err != nil {
		return fmt.Errorf("failed to escalate consequence %s: %w", rec.ID, err)
	}
	if !ok {
		return nil
	}

	e.escalatedCounter.Add(ctx, 1)
	e.logger.ErrorContext(ctx, "consequence escalated for manual reconciliation",
		"consequence_id", rec.ID, "stake_kind", rec.StakeKind,
		"permanent", permanent, "attempts", attempts, "error", cause)
	e.publish(ctx, rec)
	return nil
}

// publish announces a finished record on the advisory push channel. Push
// failures are logged and dropped; the catch-up read delivers regardless.
func (e *Executor) publish(ctx context.Context, rec *contracts.ConsequenceRecord) {
	if e.push == nil {
		return
	}
	ev := notify.Event{OwnerID: rec.OwnerID, RecordID: rec.ID}
	if err := e.push.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "push publish failed", "consequence_id", rec.ID, "error", err)
	}
}
