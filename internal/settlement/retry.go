package settlement

import (
	"context"
	"errors"
	"time"

	"log/slog"
)

// Settler runs a single settlement attempt.
type Settler interface {
	Settle(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// Retrier re-runs settlements that failed on transient lock contention,
// doubling the delay between attempts. Terminal rejections pass through
// untouched; once the attempt budget is spent the failure is reported as
// SYSTEM_CONTENTION.
type Retrier struct {
	settler     Settler
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
	metrics     *Metrics
}

func NewRetrier(settler Settler, maxAttempts int, baseDelay time.Duration, logger *slog.Logger, metrics *Metrics) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		settler:     settler,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       sleepContext,
		logger:      logger,
		metrics:     metrics,
	}
}

func (r *Retrier) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	delay := r.baseDelay
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		result, err := r.settler.Settle(ctx, req)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrLockContention) {
			return nil, err
		}

		lastErr = err
		r.logger.Warn("settlement attempt hit lock contention",
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"source", req.SourceAccount,
			"destination", req.DestinationAccount,
			"error", err,
		)

		if attempt == r.maxAttempts {
			break
		}
		r.metrics.addRetry()
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}

	r.logger.Error("settlement abandoned after repeated lock contention",
		"attempts", r.maxAttempts,
		"source", req.SourceAccount,
		"destination", req.DestinationAccount,
		"error", lastErr,
	)
	return nil, rejectf(FailureSystemContention,
		"could not settle after %d attempts, the accounts are under heavy contention", r.maxAttempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
