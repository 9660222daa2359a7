// Package payment talks to the card processor that holds escrowed funds and pays sellers out.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Processor errors. Unavailable is safe to retry; Declined is final.
var (
	ErrDeclined    = errors.New("payment declined")
	ErrUnavailable = errors.New("processor unavailable")
	ErrUnknownID   = errors.New("unknown payout id")
)

// Request is one charge or payout; IdempotencyKey is the transaction id plus the action name
type Request struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// PayoutState is the processor-side state of a payout
type PayoutState string

// Payout states
const (
	PayoutPending PayoutState = "pending"
	PayoutPaid    PayoutState = "paid"
	PayoutFailed  PayoutState = "failed"
)

// Processor is the external charge/payout capability. Both calls are idempotent per key.
type Processor interface {
	Charge(ctx context.Context, req Request) (string, error)
	Payout(ctx context.Context, req Request) (string, error)
	PayoutStatus(ctx context.Context, payoutID string) (PayoutState, error)
}

// Sandbox is an in-memory processor for development and tests
type Sandbox struct {
	mu          sync.Mutex
	charges     map[string]string // idempotency key -> charge id
	payouts     map[string]string // idempotency key -> payout id
	created     map[string]time.Time
	failures    map[string][]error // op -> queued failures
	delays      map[string]time.Duration
	SettleAfter time.Duration // Payouts report paid after this long
	calls       map[string]int
	failed      map[string]bool // payout ids the processor rejected
}

// NewSandbox creates an empty sandbox processor
func NewSandbox() *Sandbox {
	return &Sandbox{
		charges:  map[string]string{},
		payouts:  map[string]string{},
		created:  map[string]time.Time{},
		failures: map[string][]error{},
		delays:   map[string]time.Duration{},
		calls:    map[string]int{},
		failed:   map[string]bool{},
	}
}

// FailPayout makes a created payout report failed
func (s *Sandbox) FailPayout(payoutID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[payoutID] = true
}

// FailNext queues errors returned by the next calls of op ("charge", "payout", "status")
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Delay makes every call of op sleep first, honoring the context
func (s *Sandbox) Delay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// CallCount reports how many times op was invoked
func (s *Sandbox) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	delay := s.delays[op]
	var err error
	if q := s.failures[op]; len(q) > 0 {
		err, s.failures[op] = q[0], q[1:]
	}
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func validate(req Request) error {
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrDeclined)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrDeclined)
	}
	return nil
}

// Charge implements Processor
func (s *Sandbox) Charge(ctx context.Context, req Request) (string, error) {
	if err := s.enter(ctx, "charge"); err != nil {
		return "", err
	}
	if err := validate(req); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.charges[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "ch_" + uuid.NewString()
	s.charges[req.IdempotencyKey] = id
	return id, nil
}

// Payout implements Processor
func (s *Sandbox) Payout(ctx context.Context, req Request) (string, error) {
	if err := s.enter(ctx, "payout"); err != nil {
		return "", err
	}
	if err := validate(req); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.payouts[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "po_" + uuid.NewString()
	s.payouts[req.IdempotencyKey] = id
	s.created[id] = time.Now()
	return id, nil
}

// PayoutStatus implements Processor
func (s *Sandbox) PayoutStatus(ctx context.Context, payoutID string) (PayoutState, error) {
	if err := s.enter(ctx, "status"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.created[payoutID]
	if !ok {
		return "", ErrUnknownID
	}
	if s.failed[payoutID] {
		return PayoutFailed, nil
	}
	if time.Since(at) < s.SettleAfter {
		return PayoutPending, nil
	}
	return PayoutPaid, nil
}
