package store

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
)

// retryRepository retries transient repository errors following a delay schedule. Conflicts, missing payloads and
// context cancellation are returned straight away.
type retryRepository struct {
	inner    PayloadRepository
	schedule payload.RetrySchedule
}

// WithRetry decorates repo so that transient failures are retried before being surfaced as a single error.
func WithRetry(repo PayloadRepository, schedule payload.RetrySchedule) PayloadRepository {
	return &retryRepository{inner: repo, schedule: schedule}
}

func (r *retryRepository) Add(ctx context.Context, p *payload.Payload) error {
	return r.do(ctx, "add", func() error { return r.inner.Add(ctx, p) })
}

func (r *retryRepository) Update(ctx context.Context, p *payload.Payload) error {
	return r.do(ctx, "update", func() error { return r.inner.Update(ctx, p) })
}

func (r *retryRepository) Remove(ctx context.Context, p *payload.Payload) error {
	return r.do(ctx, "remove", func() error { return r.inner.Remove(ctx, p) })
}

func (r *retryRepository) ListByStates(ctx context.Context, states ...payload.State) ([]*payload.Payload, error) {
	var payloads []*payload.Payload
	err := r.do(ctx, "list", func() error {
		var err error
		payloads, err = r.inner.ListByStates(ctx, states...)
		return err
	})
	return payloads, err
}

func (r *retryRepository) Contains(ctx context.Context, predicate func(*payload.Payload) bool) (bool, error) {
	var found bool
	err := r.do(ctx, "contains", func() error {
		var err error
		found, err = r.inner.Contains(ctx, predicate)
		return err
	})
	return found, err
}

func (r *retryRepository) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.do(ctx, "exists", func() error {
		var err error
		found, err = r.inner.Exists(ctx, id)
		return err
	})
	return found, err
}

func (r *retryRepository) do(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newScheduleBackOff(r.schedule), ctx))
	if err == nil || isPermanent(err) {
		return err
	}
	return fmt.Errorf("%s payload failed after %d attempts: %w", op, attempts, err)
}
