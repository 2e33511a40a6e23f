package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/marcus/rowsync/internal/models"
	"github.com/marcus/rowsync/internal/syncerr"
)

// Retry bounds whole-session retries after transient connection failures.
type Retry struct {
	// Max is the number of retries after the first attempt.
	Max int
	// Interval is the first wait; later waits grow exponentially.
	Interval time.Duration
}

// SynchronizeRetry runs sessions until one commits, a failure is not a
// transient connection error, or the retries are spent. Retrying after a
// partial sync is safe: the local watermarks did not move, and the remote
// skips rows it already holds.
func (a *Agent) SynchronizeRetry(ctx context.Context, r Retry) (*models.SyncResult, error) {
	var (
		res      *models.SyncResult
		attempts int
	)
	op := func() error {
		attempts++
		var err error
		res, err = a.Synchronize(ctx)
		if err == nil {
			return nil
		}
		var te *syncerr.TransientConnectionError
		if errors.As(err, &te) && !syncerr.IsCancelled(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		a.log.Warn("session failed, retrying", "attempt", attempts, "wait", wait, "err", err)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.Interval
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(r.Max, 0))), ctx)

	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return res, nil
	}
	var te *syncerr.TransientConnectionError
	if errors.As(err, &te) {
		te.Attempts = attempts
	}
	return res, err
}
