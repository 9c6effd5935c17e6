package upstream

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"contractai-go/internal/config"
	"contractai-go/internal/constants"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/monitoring"

	backoff "github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Invoker rate-limits vendor calls and retries transient failures with
// exponential backoff. A nil *Invoker calls fn directly.
type Invoker struct {
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	max         time.Duration
}

func NewInvoker(cfg config.RetryConfig) *Invoker {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = constants.DefaultRetryMaxAttempts
	}
	initial := time.Duration(cfg.InitialIntervalMS) * time.Millisecond
	if initial <= 0 {
		initial = constants.DefaultRetryInitialInterval
	}
	maxInterval := time.Duration(cfg.MaxIntervalMS) * time.Millisecond
	if maxInterval <= 0 {
		maxInterval = constants.DefaultRetryMaxInterval
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst <= 0 {
			burst = int(cfg.RPS) + 1
		}
	}
	return &Invoker{
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		initial:     initial,
		max:         maxInterval,
	}
}

// Do runs fn under the limiter. Transient errors are retried up to the
// configured attempt count; the last one is returned when retries run out.
func (i *Invoker) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	if i == nil {
		return fn(ctx)
	}
	attempt := 0
	op := func() error {
		if err := i.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = i.initial
	expo.MaxInterval = i.max
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(i.maxAttempts-1)), ctx)

	return backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		monitoring.UpstreamRetriesTotal.WithLabelValues(label).Inc()
		log.WithError(err).WithFields(log.Fields{
			"call":    label,
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"class":   ClassifyErr(err),
		}).Warn("transient upstream error; retrying")
	})
}

// Call is Do for functions returning a value.
func Call[T any](ctx context.Context, inv *Invoker, label string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := inv.Do(ctx, label, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if apperrors.IsTransient(err) {
		return true
	}
	switch ClassifyErr(err) {
	case "timeout", "conn_reset", "conn_broken_pipe":
		return true
	}
	return false
}

// ClassifyErr buckets transport errors for logs and retry decisions.
func ClassifyErr(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline"
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return "timeout"
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "no such host"):
		return "dns"
	case strings.Contains(s, "connection reset"):
		return "conn_reset"
	case strings.Contains(s, "broken pipe"):
		return "conn_broken_pipe"
	case strings.Contains(s, "timeout"):
		return "timeout"
	}
	if apperrors.IsTransient(err) {
		return "transient_status"
	}
	return "other"
}
