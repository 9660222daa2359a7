package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rift_escrow/internal/domain"
)

func req(key string) Request {
	return Request{UserID: "buyer-1", Amount: decimal.RequireFromString("525.00"), Currency: "USD", IdempotencyKey: key}
}

func newGateway(p Processor, retries uint64) *Gateway {
	return NewGateway(p, 50*time.Millisecond, retries).WithBackoffBase(time.Millisecond)
}

func TestChargeIsIdempotentPerKey(t *testing.T) {
	g := newGateway(NewSandbox(), 0)
	a, err := g.Charge(context.Background(), req("tx-1:pay"))
	require.NoError(t, err)
	b, err := g.Charge(context.Background(), req("tx-1:pay"))
	require.NoError(t, err)
	c, err := g.Charge(context.Background(), req("tx-2:pay"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRetryableFailuresAreRetried(t *testing.T) {
	sb := NewSandbox()
	sb.FailNext("charge", ErrUnavailable, ErrUnavailable)
	id, err := newGateway(sb, 3).Charge(context.Background(), req("tx-1:pay"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, sb.CallCount("charge"))
}

func TestExhaustedRetriesReturnRetryableError(t *testing.T) {
	sb := NewSandbox()
	sb.FailNext("payout", ErrUnavailable, ErrUnavailable, ErrUnavailable)
	_, err := newGateway(sb, 2).Payout(context.Background(), req("tx-1:payout"))
	var xe *domain.ExternalServiceError
	require.True(t, errors.As(err, &xe))
	assert.True(t, xe.Retryable)
	assert.False(t, xe.Unknown)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, sb.CallCount("payout"))
}

func TestDeclinedIsNotRetried(t *testing.T) {
	sb := NewSandbox()
	sb.FailNext("charge", ErrDeclined)
	_, err := newGateway(sb, 3).Charge(context.Background(), req("tx-1:pay"))
	var xe *domain.ExternalServiceError
	require.True(t, errors.As(err, &xe))
	assert.False(t, xe.Retryable)
	assert.False(t, xe.Unknown)
	assert.Equal(t, 1, sb.CallCount("charge"))
}

func TestTimeoutIsUnknownOutcome(t *testing.T) {
	sb := NewSandbox()
	sb.Delay("charge", time.Second)
	_, err := newGateway(sb, 1).Charge(context.Background(), req("tx-1:pay"))
	var xe *domain.ExternalServiceError
	require.True(t, errors.As(err, &xe))
	assert.True(t, xe.Unknown, "a timed out charge may have gone through")
	assert.True(t, xe.Retryable)
	assert.Equal(t, 2, sb.CallCount("charge"))
}

func TestPayoutStatusSettles(t *testing.T) {
	sb := NewSandbox()
	sb.SettleAfter = time.Hour
	g := newGateway(sb, 0)
	id, err := g.Payout(context.Background(), req("tx-1:payout"))
	require.NoError(t, err)
	st, err := g.PayoutStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PayoutPending, st)

	sb.SettleAfter = 0
	st, err = g.PayoutStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PayoutPaid, st)

	_, err = g.PayoutStatus(context.Background(), "po_missing")
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestSandboxRejectsMissingKey(t *testing.T) {
	_, err := NewSandbox().Charge(context.Background(), Request{Amount: decimal.NewFromInt(1), Currency: "USD"})
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestBudgetCoversEveryAttempt(t *testing.T) {
	assert.Equal(t, 10*time.Second, NewGateway(NewSandbox(), 10*time.Second, 0).Budget())

	// 4 attempts of 10s, backoff 200ms, 400ms, 800ms plus 10% jitter
	g := NewGateway(NewSandbox(), 10*time.Second, 3)
	assert.Equal(t, 41540*time.Millisecond, g.Budget())
	assert.Greater(t, g.Budget(), 30*time.Second)
}
