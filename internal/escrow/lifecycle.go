package escrow

import (
	"context" // Cancellation for locks and external calls
	"errors"  // Error matching
	"fmt"     // Validation messages
	"regexp"  // Currency codes
	"strings" // Input normalization
	"time"    // Timestamps and review windows

	"github.com/google/uuid"        // Milestone ids
	"github.com/shopspring/decimal" // Amounts and fee rates
	"github.com/sirupsen/logrus"    // Structured logging
	"gorm.io/gorm"                  // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/payment"
	"rift_escrow/internal/vault"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// MilestoneInput is one slice of a milestone deal
type MilestoneInput struct {
	Title         string
	Amount        decimal.Decimal
	RevisionLimit int
}

// CreateInput is what a buyer sends to open a deal
type CreateInput struct {
	SellerID      string           // Counterparty
	ItemType      domain.ItemType  // Picks the review window
	Currency      string           // ISO 4217, normalized to upper case
	Subtotal      decimal.Decimal  // Held for the seller
	BuyerFee      domain.FeeSpec   // Fixed amount or rate on the subtotal
	SellerFeeRate *decimal.Decimal // Optional; configured default otherwise
	EventDate     *time.Time       // Tickets only
	EventTimezone string           // IANA zone, tickets only
	Milestones    []MilestoneInput // Must sum to the subtotal when set
}

func (in CreateInput) validate(buyerID string) error {
	switch {
	case buyerID == "":
		return &domain.ValidationError{Field: "buyer_id", Reason: "buyer is required"}
	case strings.TrimSpace(in.SellerID) == "":
		return &domain.ValidationError{Field: "seller_id", Reason: "seller is required"}
	case in.SellerID == buyerID:
		return &domain.ValidationError{Field: "seller_id", Reason: "buyer and seller must differ"}
	case !in.ItemType.Valid():
		return &domain.ValidationError{Field: "item_type", Reason: fmt.Sprintf("unknown item type %q", in.ItemType)}
	case !currencyPattern.MatchString(in.Currency):
		return &domain.ValidationError{Field: "currency", Reason: "currency must be a three-letter ISO code"}
	case !in.Subtotal.IsPositive():
		return &domain.ValidationError{Field: "subtotal", Reason: "subtotal must be positive"}
	case !in.Subtotal.Equal(in.Subtotal.Round(2)):
		return &domain.ValidationError{Field: "subtotal", Reason: "subtotal has more than two decimals"}
	}
	if r := in.SellerFeeRate; r != nil && (r.IsNegative() || !r.LessThan(decimal.NewFromInt(1))) {
		return &domain.ValidationError{Field: "seller_fee_rate", Reason: "seller fee rate must be in [0, 1)"}
	}
	if in.ItemType == domain.ItemTickets {
		if in.EventDate == nil {
			return &domain.ValidationError{Field: "event_date", Reason: "ticket deals require an event date"}
		}
		if _, err := time.LoadLocation(in.EventTimezone); err != nil || in.EventTimezone == "" {
			return &domain.ValidationError{Field: "event_timezone", Reason: "ticket deals require a valid IANA time zone"}
		}
	}
	if len(in.Milestones) == 0 {
		return nil
	}
	sum := decimal.Zero
	for i, m := range in.Milestones {
		if !m.Amount.IsPositive() {
			return &domain.ValidationError{Field: fmt.Sprintf("milestones[%d].amount", i), Reason: "milestone amount must be positive"}
		}
		if m.RevisionLimit < 0 {
			return &domain.ValidationError{Field: fmt.Sprintf("milestones[%d].revision_limit", i), Reason: "revision limit must not be negative"}
		}
		sum = sum.Add(m.Amount)
	}
	if !sum.Equal(in.Subtotal) {
		return &domain.ValidationError{Field: "milestones", Reason: fmt.Sprintf("milestones sum to %s, subtotal is %s", sum.StringFixed(2), in.Subtotal.StringFixed(2))}
	}
	return nil
}

// Create opens a deal in AWAITING_PAYMENT on behalf of the buyer
func (s *Service) Create(ctx context.Context, buyer domain.Caller, in CreateInput) (*domain.Transaction, error) {
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	if err := in.validate(buyer.UserID); err != nil {
		return nil, err
	}
	rate := s.opts.SellerFeeRate
	if in.SellerFeeRate != nil {
		rate = *in.SellerFeeRate
	}
	t := &domain.Transaction{
		ID:                   uuid.NewString(),
		BuyerID:              buyer.UserID,
		SellerID:             in.SellerID,
		Status:               domain.StatusAwaitingPayment,
		ItemType:             in.ItemType,
		Currency:             in.Currency,
		Subtotal:             in.Subtotal,
		BuyerFee:             in.BuyerFee.Apply(in.Subtotal), // Resolved once, stored as an amount
		SellerFeeRate:        rate,
		AllowsPartialRelease: len(in.Milestones) > 0,
		Version:              1,
	}
	if in.ItemType == domain.ItemTickets {
		at := in.EventDate.UTC() // Stored in UTC, zone kept for display
		t.EventDate = &at
		t.EventTimezone = in.EventTimezone
	}
	for i, m := range in.Milestones {
		t.Milestones = append(t.Milestones, domain.Milestone{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			Index:         i,
			Title:         strings.TrimSpace(m.Title),
			Amount:        m.Amount,
			RevisionLimit: m.RevisionLimit,
		})
	}
	if err := db.CreateTransaction(s.db.WithContext(ctx), t); err != nil {
		return nil, err
	}
	s.committed(ctx, change{
		t: t, caller: buyer, action: "create", from: t.Status,
		events: []events.Event{s.event(events.TransactionCreated, t, buyer, map[string]any{
			"subtotal":  t.Subtotal.StringFixed(2),
			"buyer_fee": t.BuyerFee.StringFixed(2),
			"currency":  t.Currency,
		})},
	})
	return t, nil
}

// Pay charges the buyer and moves the deal to FUNDED. When the processor outcome is unknown
// or retries run out the deal stays unfunded and is flagged for reconciliation.
func (s *Service) Pay(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionPay); err != nil {
			return err
		}
		if err := s.charge(ctx, t, caller); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// charge runs the processor call and the FUNDED transition; the lock is held by the caller
func (s *Service) charge(ctx context.Context, t *domain.Transaction, caller domain.Caller) error {
	from := t.Status
	chargeID, err := s.payments.Charge(ctx, payment.Request{
		UserID:         t.BuyerID,
		Amount:         t.Total(),
		Currency:       t.Currency,
		IdempotencyKey: ledger.Key(t.ID, domain.ActionPay),
	})
	if err != nil {
		var xe *domain.ExternalServiceError
		if errors.As(err, &xe) && (xe.Unknown || xe.Retryable) {
			s.flagReconcile(ctx, t, domain.ReconcilePay, err)
		}
		return err
	}
	now := s.now()
	t.Status = domain.StatusFunded
	t.ChargeID = chargeID
	t.FundedAt = &now
	t.ReconcileAction, t.ReconcileReason = "", ""
	if err := s.commit(ctx, func(tx *gorm.DB) error { return db.SaveTransaction(tx, t) }); err != nil {
		// The charge went through; leave a marker so the reconciler applies it
		s.flagReconcile(ctx, t, domain.ReconcilePay, err)
		return err
	}
	s.committed(ctx, change{
		t: t, caller: caller, action: domain.ActionPay, from: from,
		events: []events.Event{s.event(events.TransactionFunded, t, caller, map[string]any{
			"charge_id": chargeID,
			"amount":    t.Total().StringFixed(2),
		})},
	})
	return nil
}

// flagReconcile marks the deal as waiting on an external outcome. It reloads so the
// marker never carries a half-applied in-memory change.
func (s *Service) flagReconcile(ctx context.Context, t *domain.Transaction, action string, cause error) {
	fields := logrus.Fields{
		"transaction_id": t.ID,          // Transaction
		"reconcile":      action,        // Pending external call
		"error":          cause.Error(), // Why
	}
	fresh, err := db.FindTransaction(s.db.WithContext(ctx), t.ID)
	if err == nil {
		fresh.ReconcileAction = action
		fresh.ReconcileReason = truncate(cause.Error(), 255)
		err = s.commit(ctx, func(tx *gorm.DB) error { return db.SaveTransaction(tx, fresh) })
	}
	if err != nil {
		fields["flag_error"] = err.Error()
		logrus.WithFields(fields).Error("Could not flag transaction for reconciliation")
		return
	}
	*t = *fresh
	logrus.WithFields(fields).Warn("Transaction needs reconciliation")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Cancel closes an unfunded deal. No money moved, so there is no ledger effect.
func (s *Service) Cancel(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionCancel); err != nil {
			return err
		}
		if t.ReconcileAction == domain.ReconcilePay {
			return &domain.ValidationError{Field: "status", Reason: "a payment attempt is still being reconciled"}
		}
		from := t.Status
		now := s.now()
		t.Status = domain.StatusCanceled
		t.CanceledAt = &now
		if err := s.commit(ctx, func(tx *gorm.DB) error { return db.SaveTransaction(tx, t) }); err != nil {
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionCancel, from: from,
			events: []events.Event{s.event(events.TransactionCanceled, t, caller, nil)},
		})
		out = t
		return nil
	})
	return out, err
}

// UploadProof stores delivery proof in the vault and starts the review window
func (s *Service) UploadProof(ctx context.Context, id string, caller domain.Caller, inputs []vault.AssetInput) (*domain.Transaction, []domain.VaultAsset, error) {
	var (
		out    *domain.Transaction
		assets []domain.VaultAsset
	)
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionUploadProof); err != nil {
			return err
		}
		prepared, err := s.vault.Prepare(ctx, t, caller.UserID, inputs)
		if err != nil {
			return err
		}
		from := t.Status
		now := s.now()
		ends := now.Add(s.reviewWindow(t.ItemType)) // Auto-release after this
		t.Status = domain.StatusProofSubmitted
		t.ProofSubmittedAt = &now
		t.ReviewWindowEndsAt = &ends
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			return tx.Create(&prepared).Error
		})
		if err != nil {
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionUploadProof, from: from,
			events: []events.Event{s.event(events.TransactionProofSubmitted, t, caller, map[string]any{
				"assets":                len(prepared),
				"review_window_ends_at": ends,
			})},
		})
		out, assets = t, prepared
		return nil
	})
	return out, assets, err
}

// BeginReview records that the buyer is inspecting the delivery; the review window is unchanged
func (s *Service) BeginReview(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionBeginReview); err != nil {
			return err
		}
		from := t.Status
		t.Status = domain.StatusUnderReview
		if err := s.commit(ctx, func(tx *gorm.DB) error { return db.SaveTransaction(tx, t) }); err != nil {
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionBeginReview, from: from,
			events: []events.Event{s.event(events.TransactionUnderReview, t, caller, nil)},
		})
		out = t
		return nil
	})
	return out, err
}
