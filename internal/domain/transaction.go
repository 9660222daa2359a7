package domain

import (
	"time" // Timestamps

	"github.com/shopspring/decimal" // Money arithmetic
)

// Status is the lifecycle status of a transaction
type Status string

// Canonical statuses
const (
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusFunded          Status = "FUNDED"
	StatusProofSubmitted  Status = "PROOF_SUBMITTED"
	StatusUnderReview     Status = "UNDER_REVIEW"
	StatusReleased        Status = "RELEASED"
	StatusPayoutScheduled Status = "PAYOUT_SCHEDULED"
	StatusPaidOut         Status = "PAID_OUT"
	StatusDisputed        Status = "DISPUTED"
	StatusResolved        Status = "RESOLVED"
	StatusCanceled        Status = "CANCELED"
)

// Legacy statuses still present in stored rows; the permission engine maps them onto canonical ones
const (
	StatusDraft                   Status = "DRAFT"
	StatusCancelled               Status = "CANCELLED"
	StatusAwaitingShipment        Status = "AWAITING_SHIPMENT"
	StatusInTransit               Status = "IN_TRANSIT"
	StatusDeliveredPendingRelease Status = "DELIVERED_PENDING_RELEASE"
	StatusRefunded                Status = "REFUNDED"
)

// ItemType is what the seller delivers
type ItemType string

// Item types
const (
	ItemPhysical    ItemType = "PHYSICAL"
	ItemDigital     ItemType = "DIGITAL"
	ItemTickets     ItemType = "TICKETS"
	ItemServices    ItemType = "SERVICES"
	ItemLicenseKeys ItemType = "LICENSE_KEYS"
)

// Valid reports whether t is a known item type
func (t ItemType) Valid() bool {
	switch t {
	case ItemPhysical, ItemDigital, ItemTickets, ItemServices, ItemLicenseKeys:
		return true
	}
	return false
}

// Reconciliation actions recorded when an external outcome is unknown
const (
	ReconcilePay    = "pay"
	ReconcilePayout = "payout"
)

// Transaction Model (one escrow deal)
type Transaction struct {
	ID                   string          `gorm:"primaryKey;size:36" json:"id"`                      // Primary key (uuid)
	DisplayID            int64           `gorm:"uniqueIndex;not null" json:"display_id"`            // Human facing number
	BuyerID              string          `gorm:"size:64;index;not null" json:"buyer_id"`            // Buyer user reference
	SellerID             string          `gorm:"size:64;index;not null" json:"seller_id"`           // Seller user reference
	Status               Status          `gorm:"size:32;index;not null" json:"status"`              // Lifecycle status
	ItemType             ItemType        `gorm:"size:32;not null" json:"item_type"`                 // What is delivered
	Currency             string          `gorm:"size:3;not null" json:"currency"`                   // ISO currency
	Subtotal             decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"subtotal"`       // Deal amount
	BuyerFee             decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"buyer_fee"`      // Fee charged on top
	SellerFeeRate        decimal.Decimal `gorm:"type:decimal(6,4);not null" json:"seller_fee_rate"` // Fraction kept from seller
	EventDate            *time.Time      `json:"event_date,omitempty"`                              // Ticket event instant (UTC)
	EventTimezone        string          `gorm:"size:64" json:"event_timezone,omitempty"`           // IANA zone of the event
	AllowsPartialRelease bool            `gorm:"not null;default:false" json:"allows_partial_release"`
	Version              int64           `gorm:"not null;default:1" json:"version"`               // Optimistic lock
	ChargeID             string          `gorm:"size:128" json:"charge_id,omitempty"`             // Processor charge reference
	PayoutID             string          `gorm:"size:128" json:"payout_id,omitempty"`             // Processor payout reference
	ProofSubmittedAt     *time.Time      `json:"proof_submitted_at,omitempty"`                    // When proof arrived
	ReviewWindowEndsAt   *time.Time      `gorm:"index" json:"review_window_ends_at,omitempty"`    // Auto-release deadline
	PreDisputeStatus     Status          `gorm:"size:32" json:"pre_dispute_status,omitempty"`     // Restored when hold clears
	ReconcileAction      string          `gorm:"size:16;index" json:"reconcile_action,omitempty"` // Pending external outcome
	ReconcileReason      string          `gorm:"size:255" json:"reconcile_reason,omitempty"`      // Why reconciliation is needed
	FundedAt             *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt           *time.Time      `json:"released_at,omitempty"`
	PaidOutAt            *time.Time      `json:"paid_out_at,omitempty"`
	CanceledAt           *time.Time      `json:"canceled_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Milestones           []Milestone     `gorm:"foreignKey:TransactionID" json:"milestones,omitempty"` // Partial release slices
}

// Total is what the buyer is charged
func (t *Transaction) Total() decimal.Decimal {
	return t.Subtotal.Add(t.BuyerFee)
}

// SellerPayout computes amount × (1 − sellerFeeRate) rounded to cents
func (t *Transaction) SellerPayout(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Sub(t.SellerFeeRate)).Round(2)
}

// ReleasedAmount sums the subtotal share already released through milestones
func (t *Transaction) ReleasedAmount() decimal.Decimal {
	sum := decimal.Zero
	for _, m := range t.Milestones {
		if m.Released {
			sum = sum.Add(m.Amount)
		}
	}
	return sum
}

// Milestone Model (partial release slice of a transaction)
type Milestone struct {
	ID                 string          `gorm:"primaryKey;size:36" json:"id"`                                             // Primary key
	TransactionID      string          `gorm:"size:36;uniqueIndex:idx_milestone_tx_index;not null" json:"-"`             // Parent transaction
	Index              int             `gorm:"column:position;uniqueIndex:idx_milestone_tx_index;not null" json:"index"` // Ordinal, unique per transaction
	Title              string          `gorm:"size:255" json:"title"`                                                    // Description of the slice
	Amount             decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`                                // Share of subtotal
	Released           bool            `gorm:"not null;default:false" json:"released"`                                   // Released at most once
	ReleaseDate        *time.Time      `json:"release_date,omitempty"`                                                   // When it was released
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`                                                   // Seller delivery of this slice
	ReviewWindowEndsAt *time.Time      `json:"review_window_ends_at,omitempty"`                                          // Auto-release deadline
	RevisionRequests   int             `gorm:"not null;default:0" json:"revision_requests"`                              // Revisions asked so far
	RevisionLimit      int             `gorm:"not null;default:0" json:"revision_limit"`                                 // Max revisions allowed
}

// AllMilestonesReleased reports whether every milestone is released
func (t *Transaction) AllMilestonesReleased() bool {
	for _, m := range t.Milestones {
		if !m.Released {
			return false
		}
	}
	return len(t.Milestones) > 0
}
