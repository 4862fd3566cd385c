package poller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/snapcrafters/snapwatcher/internal/logfields"
	"github.com/snapcrafters/snapwatcher/internal/swerr"
)

const defRetryTimeout = 2 * time.Hour
const defBackoffInitialInterval = 5 * time.Second

// Retryer executes a function repeatedly until it succeeded, it failed with
// an error that does not wrap swerr.RetryableError, the retry timeout
// expired or the execution was aborted via the context.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 defRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap swerr.RetryableError, the retry timeout expired or the context
// was cancelled.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancelFn := context.WithTimeout(ctx, r.defTimeout)
	defer cancelFn()

	endTime := time.Now().Add(r.defTimeout)

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Info(
				"operation cancelled",
				logfields.Event("retryer_operation_cancelled"),
			)

			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("retryer_operation_succeeded"),
				)

				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				logger.Info(
					"operation cancelled",
					logfields.Event("retryer_operation_cancelled"),
				)

				return err
			}

			var retryError *swerr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Error(
					"operation failed, not retryable",
					logfields.Event("retryer_operation_failed"),
				)

				return err
			}

			if retryError.After.After(endTime) {
				logger.Error(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("retryer_operation_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			var retryIn time.Duration

			if until := time.Until(retryError.After); until > 0 {
				retryIn = until
			} else {
				retryIn = bo.NextBackOff()
			}

			retryTimer.Reset(retryIn)
			logger.Warn(
				"operation failed, retry scheduled",
				logfields.Event("retryer_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-r.shutdownChan:
			logger.Info(
				"retryer terminating, operation not executed",
				logfields.Event("retryer_operation_cancelled"),
			)

			return nil
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
