package notify

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/permgate/internal/domain"
	"golang.org/x/time/rate"
)

// Notifier — контракт доставки уведомлений (повторяет broker.Notifier,
// чтобы обертка не зависела от пакета брокера)
type Notifier interface {
	NotifyPending(ctx context.Context, principal *domain.Principal, req *domain.PermissionRequest) error
}

// ReliabilityWrapper защищает исходящие вызовы Telegram:
// Rate Limiter -> Circuit Breaker -> Retry с учетом Retry-After.
type ReliabilityWrapper struct {
	next    Notifier
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliabilityWrapper(next Notifier) *ReliabilityWrapper {
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram-notifier",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	// Bot API ограничивает ~30 сообщений/сек на бота
	limiter := rate.NewLimiter(rate.Limit(25), 5)

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: limiter,
	}
}

func (w *ReliabilityWrapper) NotifyPending(ctx context.Context, principal *domain.Principal, req *domain.PermissionRequest) error {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Telegram вернул 429 с Retry-After — уважаем его
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}

				// Сетевой лаг, 500-ка — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return w.next.NotifyPending(tCtx, principal, req)
		})

		return nil, retryErr
	})

	return err
}
