package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry
type EntryType string

// Ledger entry types
const (
	EntryCreditRelease   EntryType = "CREDIT_RELEASE"
	EntryDebitWithdrawal EntryType = "DEBIT_WITHDRAWAL"
	EntryDebitChargeback EntryType = "DEBIT_CHARGEBACK"
	EntryDebitRefund     EntryType = "DEBIT_REFUND"
	EntryAdjustment      EntryType = "ADJUSTMENT"
)

// LedgerEntry Model (append-only, one user wallet)
type LedgerEntry struct {
	ID                   string          `gorm:"primaryKey;size:36" json:"id"`                    // Primary key
	UserID               string          `gorm:"size:64;index;not null" json:"user_id"`           // Wallet owner
	Type                 EntryType       `gorm:"size:32;not null" json:"type"`                    // Entry type
	Amount               decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`       // Signed, owner's perspective
	Currency             string          `gorm:"size:3;not null" json:"currency"`                 // ISO currency
	RelatedTransactionID *string         `gorm:"size:36;index" json:"related_transaction_id,omitempty"`
	IdempotencyKey       string          `gorm:"size:128;uniqueIndex;not null" json:"-"`          // Blocks double writes
	Note                 string          `gorm:"size:255" json:"note,omitempty"`                  // Free text (adjustments)
	AvailableAt          time.Time       `gorm:"not null" json:"available_at"`                    // Pending until this instant
	CreatedAt            time.Time       `gorm:"autoCreateTime" json:"created_at"`                // Timestamp of creation
}

// Wallet is the derived balance of one user in one currency; never stored
type Wallet struct {
	UserID           string          `json:"user_id"`           // Wallet owner
	Currency         string          `json:"currency"`          // ISO currency
	AvailableBalance decimal.Decimal `json:"available_balance"` // Sum of available entries
	PendingBalance   decimal.Decimal `json:"pending_balance"`   // Sum of entries not yet available
}
