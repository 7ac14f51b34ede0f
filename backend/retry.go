package backend

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/resultkit/broker"
	"github.com/vinayprograms/resultkit/errors"
)

// RetryPolicy bounds publish retries. The first attempt runs immediately;
// retry n waits IntervalStart + (n-1)*IntervalStep, capped at IntervalMax.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 20
	MaxRetries int

	// IntervalStart is the wait before the first retry.
	// Default: 0
	IntervalStart time.Duration

	// IntervalStep is added to the wait for each further retry.
	// Default: 1s
	IntervalStep time.Duration

	// IntervalMax caps the wait.
	// Default: 1s
	IntervalMax time.Duration
}

// DefaultRetryPolicy returns the default publish retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    20,
		IntervalStart: 0,
		IntervalStep:  time.Second,
		IntervalMax:   time.Second,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.InvalidInput("retry max_retries must not be negative")
	}
	if p.IntervalStart < 0 || p.IntervalStep < 0 || p.IntervalMax < 0 {
		return errors.InvalidInput("retry intervals must not be negative")
	}
	return nil
}

// Delay returns the wait before retry n, counting from 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := p.IntervalStart + time.Duration(n-1)*p.IntervalStep
	if p.IntervalMax > 0 && d > p.IntervalMax {
		d = p.IntervalMax
	}
	return d
}

// Attempts returns the total number of attempts the policy allows.
func (p RetryPolicy) Attempts() int {
	return p.MaxRetries + 1
}

// permanent reports errors that another attempt cannot fix.
func permanent(err error) bool {
	return stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, broker.ErrInvalidName) ||
		stderrors.Is(err, broker.ErrMismatch) ||
		stderrors.Is(err, broker.ErrUnsupported) ||
		stderrors.Is(err, broker.ErrClosed)
}

// retry runs op until it succeeds, fails permanently or the policy is
// spent. It returns the number of attempts made.
func (b *Backend) retry(ctx context.Context, taskID string, op func(ctx context.Context) error) (int, error) {
	policy := b.config.Retry
	var err error
	for attempt := 1; attempt <= policy.Attempts(); attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)
			b.logger.PublishRetry(taskID, attempt-1, delay, err)
			if werr := sleep(ctx, delay); werr != nil {
				return attempt - 1, canceled(taskID, werr)
			}
		}

		err = op(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, canceled(taskID, ctxErr)
		}
		if permanent(err) {
			return attempt, errors.Transport(taskID, attempt, err)
		}
	}
	return policy.Attempts(), errors.Transport(taskID, policy.Attempts(), err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func canceled(taskID string, err error) *errors.Error {
	return errors.WrapWithCode(err, errors.ErrCodeCanceled, "operation canceled", errors.WithTaskID(taskID))
}
