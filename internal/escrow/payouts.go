package escrow

import (
	"context" // Cancellation for external calls
	"errors"  // Error matching
	"fmt"     // Error wrapping
	"strconv" // Attempt numbers
	"strings" // Note normalization

	"github.com/google/uuid"        // Entry ids
	"github.com/shopspring/decimal" // Payout amounts
	"github.com/sirupsen/logrus"    // Structured logging
	"gorm.io/gorm"                  // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/payment"
	"rift_escrow/internal/permission"
)

// payoutPlan is what the seller is owed for a deal and which attempt the next payout is
type payoutPlan struct {
	amount  decimal.Decimal
	attempt int
}

// key keeps the first attempt on <txid>:payout; later attempts after a processor failure get a suffix
func (p payoutPlan) key(t *domain.Transaction) string {
	if p.attempt == 0 {
		return ledger.Key(t.ID, "payout")
	}
	return ledger.Key(t.ID, "payout", strconv.Itoa(p.attempt+1))
}

// planPayout sums the release credits of a deal and counts earlier payout attempts
func planPayout(tx *gorm.DB, t *domain.Transaction) (payoutPlan, error) {
	entries, err := db.EntriesForTransaction(tx, t.ID)
	if err != nil {
		return payoutPlan{}, err
	}
	plan := payoutPlan{amount: decimal.Zero}
	for _, e := range entries {
		switch {
		case e.Type == domain.EntryCreditRelease:
			plan.amount = plan.amount.Add(e.Amount)
		case e.Type == domain.EntryAdjustment && strings.HasPrefix(e.IdempotencyKey, ledger.Key(t.ID, "payout-failed")):
			plan.attempt++
		}
	}
	return plan, nil
}

// SchedulePayout hands the seller's released credit to the processor and moves the deal to
// PAYOUT_SCHEDULED with a matching withdrawal. Only SYSTEM schedules payouts.
func (s *Service) SchedulePayout(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, domain.SystemCaller)
		if err != nil {
			return err
		}
		if !permission.Allowed(t.Status, domain.RoleSystem, domain.ActionSchedulePayout) &&
			permission.Allowed(t.Status, domain.RoleSystem, domain.ActionConfirmPayout) {
			return &domain.AlreadyProcessedError{Action: domain.ActionSchedulePayout, Status: t.Status}
		}
		if err := s.authorize(t, caller, domain.ActionSchedulePayout); err != nil {
			return err
		}
		if err := s.payout(ctx, t, caller); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// payout runs the processor call and the PAYOUT_SCHEDULED transition; the lock is held by the caller
func (s *Service) payout(ctx context.Context, t *domain.Transaction, caller domain.Caller) error {
	plan, err := planPayout(s.db.WithContext(ctx), t)
	if err != nil {
		return err
	}
	if !plan.amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Reason: "nothing was credited to the seller for this transaction"}
	}
	key := plan.key(t) // One key per attempt
	payoutID, err := s.payments.Payout(ctx, payment.Request{
		UserID:         t.SellerID,
		Amount:         plan.amount,
		Currency:       t.Currency,
		IdempotencyKey: key,
	})
	if err != nil {
		s.flagReconcile(ctx, t, domain.ReconcilePayout, err)
		return err
	}
	from := t.Status
	now := s.now()
	entry := ledger.Withdrawal(t, plan.amount, key, now)
	t.Status = domain.StatusPayoutScheduled
	t.PayoutID = payoutID
	t.ReconcileAction, t.ReconcileReason = "", ""
	err = s.commit(ctx, func(tx *gorm.DB) error {
		if err := db.SaveTransaction(tx, t); err != nil {
			return err
		}
		return s.appendEntries(tx, t, domain.ActionSchedulePayout, entry)
	})
	if err != nil {
		s.flagReconcile(ctx, t, domain.ReconcilePayout, err)
		return err
	}
	s.committed(ctx, change{
		t: t, caller: caller, action: domain.ActionSchedulePayout, from: from,
		entries: []domain.LedgerEntry{entry},
		events: []events.Event{s.event(events.TransactionPayoutScheduled, t, caller, map[string]any{
			"payout_id": payoutID,
			"amount":    plan.amount.StringFixed(2),
		})},
	})
	return nil
}

// ConfirmPayout polls the processor. A paid payout moves the deal to PAID_OUT; a pending one
// leaves it untouched. A failed payout returns the deal to RELEASED, reverses the withdrawal
// and flags it for reconciliation.
func (s *Service) ConfirmPayout(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, domain.SystemCaller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionConfirmPayout); err != nil {
			return err
		}
		if err := s.confirm(ctx, t, caller); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Service) confirm(ctx context.Context, t *domain.Transaction, caller domain.Caller) error {
	state, err := s.payments.PayoutStatus(ctx, t.PayoutID)
	if err != nil {
		return err
	}
	from := t.Status
	now := s.now()
	var (
		entries []domain.LedgerEntry
		evs     []events.Event
	)
	switch state {
	case payment.PayoutPending:
		return nil // Poll again on the next run
	case payment.PayoutPaid:
		t.Status = domain.StatusPaidOut
		t.PaidOutAt = &now
		t.ReconcileAction, t.ReconcileReason = "", ""
		evs = append(evs, s.event(events.TransactionPaidOut, t, caller, map[string]any{"payout_id": t.PayoutID}))
	case payment.PayoutFailed:
		withdrawn, err := s.withdrawn(ctx, t)
		if err != nil {
			return err
		}
		entries = append(entries, ledger.Adjustment(t.SellerID, withdrawn, t.Currency,
			"payout "+t.PayoutID+" failed at the processor", ledger.Key(t.ID, "payout-failed", t.PayoutID), now))
		entries[0].RelatedTransactionID = &t.ID // Ties the reversal to the deal
		t.Status = domain.StatusReleased
		t.ReconcileAction = domain.ReconcilePayout
		t.ReconcileReason = "payout " + t.PayoutID + " failed at the processor"
		t.PayoutID = ""
	default:
		return fmt.Errorf("unexpected payout state %q", state)
	}
	err = s.commit(ctx, func(tx *gorm.DB) error {
		if err := db.SaveTransaction(tx, t); err != nil {
			return err
		}
		return s.appendEntries(tx, t, domain.ActionConfirmPayout, entries...)
	})
	if err != nil {
		return err
	}
	s.committed(ctx, change{t: t, caller: caller, action: domain.ActionConfirmPayout, from: from, entries: entries, events: evs})
	if state == payment.PayoutFailed {
		logrus.WithFields(logrus.Fields{
			"transaction_id": t.ID,                       // Transaction
			"reason":         t.ReconcileReason,          // Processor verdict
			"reversed":       entries[0].Amount.String(), // Withdrawal returned to the wallet
		}).Warn("Payout failed; transaction returned to RELEASED")
	}
	return nil
}

// withdrawn is the amount of the latest withdrawal written for the deal
func (s *Service) withdrawn(ctx context.Context, t *domain.Transaction) (decimal.Decimal, error) {
	entries, err := db.EntriesForTransaction(s.db.WithContext(ctx), t.ID)
	if err != nil {
		return decimal.Zero, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == domain.EntryDebitWithdrawal {
			return entries[i].Amount.Abs(), nil
		}
	}
	return decimal.Zero, &domain.ValidationError{Field: "payout_id", Reason: "no withdrawal recorded for this payout"}
}

// Reconcile settles a deal flagged after an unknown or exhausted external call. The call is
// re-issued with the same idempotency key and the transition applied when it succeeds. A flag
// the current status no longer needs is cleared.
func (s *Service) Reconcile(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, domain.SystemCaller)
		if err != nil {
			return err
		}
		out = t
		switch t.ReconcileAction {
		case "":
			return nil
		case domain.ReconcilePay:
			if !permission.Allowed(t.Status, domain.RoleBuyer, domain.ActionPay) {
				return s.clearReconcile(ctx, t)
			}
			err = s.charge(ctx, t, caller)
			var xe *domain.ExternalServiceError
			if err != nil && errors.As(err, &xe) && !xe.Retryable && !xe.Unknown {
				return s.clearReconcile(ctx, t) // Declined; the buyer may pay again
			}
			return err
		case domain.ReconcilePayout:
			switch {
			case permission.Allowed(t.Status, caller.Role, domain.ActionSchedulePayout):
				return s.payout(ctx, t, caller)
			case permission.Allowed(t.Status, caller.Role, domain.ActionConfirmPayout):
				return s.confirm(ctx, t, caller)
			}
			return s.clearReconcile(ctx, t)
		}
		return fmt.Errorf("unknown reconcile action %q", t.ReconcileAction)
	})
	return out, err
}

func (s *Service) clearReconcile(ctx context.Context, t *domain.Transaction) error {
	action := t.ReconcileAction
	t.ReconcileAction, t.ReconcileReason = "", ""
	if err := s.commit(ctx, func(tx *gorm.DB) error { return db.SaveTransaction(tx, t) }); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": t.ID,     // Transaction
		"reconcile":      action,   // Cleared flag
		"status":         t.Status, // Current status
	}).Info("Reconciliation flag cleared")
	return nil
}

// ChargebackInput is an admin-recorded processor chargeback
type ChargebackInput struct {
	Amount         decimal.Decimal
	Note           string
	IdempotencyKey string // Processor dispute reference; generated when empty
}

// Chargeback debits the seller wallet for a chargeback on a funded deal. The status is unchanged.
func (s *Service) Chargeback(ctx context.Context, id string, caller domain.Caller, in ChargebackInput) (*domain.LedgerEntry, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, &domain.PermissionDeniedError{Role: caller.Role, Action: "chargeback", Reason: "only admins record chargebacks"}
	}
	var out *domain.LedgerEntry
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if t.ChargeID == "" {
			return &domain.ValidationError{Field: "charge_id", Reason: "the buyer was never charged for this transaction"}
		}
		if !in.Amount.IsPositive() || in.Amount.GreaterThan(t.Total()) {
			return &domain.ValidationError{Field: "amount", Reason: "chargeback must be positive and at most the charged total"}
		}
		note := strings.TrimSpace(in.Note)
		if note == "" {
			return &domain.ValidationError{Field: "note", Reason: "chargebacks require a note"}
		}
		ref := in.IdempotencyKey
		if ref == "" {
			ref = uuid.NewString()
		}
		entry := ledger.Chargeback(t, in.Amount, ledger.Key(t.ID, "chargeback", ref), s.now())
		entry.Note = note
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			return s.appendEntries(tx, t, "chargeback", entry)
		})
		if err != nil {
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: "chargeback", from: t.Status,
			entries: []domain.LedgerEntry{entry},
			events: []events.Event{s.event(events.TransactionChargeback, t, caller, map[string]any{
				"amount": in.Amount.StringFixed(2),
				"note":   note,
			})},
		})
		out = &entry
		return nil
	})
	return out, err
}
