package service

import (
	"context"
	"errors"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/foodbot/internal/model"
)

// withRetry выполняет шаг оформления с ограниченным числом попыток.
// Бизнес-ошибки и отмена контекста не повторяются; исчерпание попыток превращается в *model.PersistenceError.
func (s *Service) withRetry(ctx context.Context, userID int64, step string, fn func(ctx context.Context) error) error {
	return s.withRetryN(ctx, userID, step, s.opts.MaxAttempts, fn)
}

// withRetryN работает как withRetry, но с явным числом попыток.
func (s *Service) withRetryN(ctx context.Context, userID int64, step string, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(s.opts.RetryBaseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil || model.IsBusinessError(err) || isContextError(err) {
			return err
		}
		s.logger.Warn("checkout step failed",
			zap.Int64("userID", userID),
			zap.String("step", step),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
	if err == nil || model.IsBusinessError(err) || isContextError(err) {
		return err
	}

	s.logger.Error("checkout step exhausted retries",
		zap.Int64("userID", userID),
		zap.String("step", step),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &model.PersistenceError{Step: step, Attempts: attempts, Err: err}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
