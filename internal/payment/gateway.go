package payment

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"rift_escrow/internal/domain"
	"rift_escrow/internal/metrics"
)

const serviceName = "payment"

// Gateway wraps a Processor with per-call timeouts, backoff on retryable failures and
// error classification. Every failure it returns is a *domain.ExternalServiceError.
type Gateway struct {
	p       Processor
	timeout time.Duration
	retries uint64
	base    time.Duration
}

// NewGateway creates a gateway; retries is the number of extra attempts after the first
func NewGateway(p Processor, timeout time.Duration, retries uint64) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{p: p, timeout: timeout, retries: retries, base: 200 * time.Millisecond}
}

// WithBackoffBase overrides the first retry delay
func (g *Gateway) WithBackoffBase(d time.Duration) *Gateway {
	g.base = d
	return g
}

// Budget is the longest one call can take: every attempt timing out plus the backoff
// between attempts at its upper jitter
func (g *Gateway) Budget() time.Duration {
	total := g.timeout * time.Duration(g.retries+1)
	wait := g.base
	for i := uint64(0); i < g.retries; i++ {
		total += wait + wait/10
		wait *= 2
	}
	return total
}

// Charge charges the buyer
func (g *Gateway) Charge(ctx context.Context, req Request) (string, error) {
	return g.do(ctx, "charge", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return g.p.Charge(ctx, req)
	})
}

// Payout sends funds to the seller
func (g *Gateway) Payout(ctx context.Context, req Request) (string, error) {
	return g.do(ctx, "payout", req.IdempotencyKey, func(ctx context.Context) (string, error) {
		return g.p.Payout(ctx, req)
	})
}

// PayoutStatus polls a payout
func (g *Gateway) PayoutStatus(ctx context.Context, payoutID string) (PayoutState, error) {
	state, err := g.do(ctx, "status", payoutID, func(ctx context.Context) (string, error) {
		s, err := g.p.PayoutStatus(ctx, payoutID)
		return string(s), err
	})
	return PayoutState(state), err
}

func (g *Gateway) do(ctx context.Context, op, key string, call func(context.Context) (string, error)) (string, error) {
	backoff := retry.WithMaxRetries(g.retries, retry.WithJitterPercent(10, retry.NewExponential(g.base)))
	var (
		out      string
		lastErr  error
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		start := time.Now()
		res, err := call(cctx)
		if err == nil {
			metrics.RecordExternalCall(serviceName, op, "ok", time.Since(start))
			out = res
			return nil
		}
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = context.DeadlineExceeded // Per-call timeout, the outer context is still live
		}
		lastErr = err
		xe := classify(err)
		metrics.RecordExternalCall(serviceName, op, outcome(xe), time.Since(start))
		logrus.WithFields(logrus.Fields{
			"op":        op,
			"key":       key,
			"attempt":   attempts,
			"retryable": xe.Retryable,
			"unknown":   xe.Unknown,
			"error":     err.Error(),
		}).Warn("Payment processor call failed")
		if xe.Retryable {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return out, nil
	}
	if lastErr == nil {
		lastErr = err // Outer context ended before the first attempt
	}
	return "", classify(lastErr)
}

// classify maps a processor error onto the external error taxonomy. A timeout means the
// call may have gone through: it is retryable (the key makes it safe) and the outcome unknown.
func classify(err error) *domain.ExternalServiceError {
	xe := &domain.ExternalServiceError{Service: serviceName, Err: err}
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		xe.Retryable, xe.Unknown = true, true
	case errors.As(err, &ne) && ne.Timeout():
		xe.Retryable, xe.Unknown = true, true
	case errors.Is(err, ErrUnavailable):
		xe.Retryable = true
	case errors.Is(err, context.Canceled):
		xe.Unknown = true
	}
	return xe
}

func outcome(xe *domain.ExternalServiceError) string {
	switch {
	case xe.Unknown:
		return "unknown"
	case xe.Retryable:
		return "retryable"
	}
	return "failed"
}
