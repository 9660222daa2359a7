// Package ledger derives wallet balances from the append-only entry log and
// builds the entries the escrow flows write. Balances are never stored.
package ledger

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rift_escrow/internal/domain"
)

// Balance sums a user's entries per currency. Entries whose AvailableAt is after asOf
// count as pending. The result is sorted by currency and does not depend on entry order.
func Balance(userID string, entries []domain.LedgerEntry, asOf time.Time) []domain.Wallet {
	byCurrency := make(map[string]*domain.Wallet)
	for _, e := range entries {
		if e.UserID != userID {
			continue
		}
		w, ok := byCurrency[e.Currency]
		if !ok {
			w = &domain.Wallet{UserID: userID, Currency: e.Currency, AvailableBalance: decimal.Zero, PendingBalance: decimal.Zero}
			byCurrency[e.Currency] = w
		}
		if e.AvailableAt.After(asOf) {
			w.PendingBalance = w.PendingBalance.Add(e.Amount)
		} else {
			w.AvailableBalance = w.AvailableBalance.Add(e.Amount)
		}
	}
	wallets := make([]domain.Wallet, 0, len(byCurrency))
	for _, w := range byCurrency {
		wallets = append(wallets, *w)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Currency < wallets[j].Currency })
	return wallets
}

// Key builds the idempotency key of an entry written by an escrow action
func Key(transactionID string, action domain.Action, parts ...string) string {
	return strings.Join(append([]string{transactionID, string(action)}, parts...), ":")
}

func newEntry(userID string, typ domain.EntryType, amount decimal.Decimal, currency string, txID *string, key string, availableAt time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Type:                 typ,
		Amount:               amount.Round(2),
		Currency:             currency,
		RelatedTransactionID: txID,
		IdempotencyKey:       key,
		AvailableAt:          availableAt,
	}
}

// ReleaseCredit credits the seller with their share of a released amount (positive)
func ReleaseCredit(t *domain.Transaction, released decimal.Decimal, key string, availableAt time.Time) domain.LedgerEntry {
	id := t.ID
	return newEntry(t.SellerID, domain.EntryCreditRelease, t.SellerPayout(released), t.Currency, &id, key, availableAt)
}

// Withdrawal debits the seller wallet for a payout handed to the processor (negative)
func Withdrawal(t *domain.Transaction, amount decimal.Decimal, key string, at time.Time) domain.LedgerEntry {
	id := t.ID
	return newEntry(t.SellerID, domain.EntryDebitWithdrawal, amount.Abs().Neg(), t.Currency, &id, key, at)
}

// Refund records money returned to the buyer after a dispute is resolved in their favor.
// It is written positive on the buyer wallet.
func Refund(t *domain.Transaction, amount decimal.Decimal, key string, at time.Time) domain.LedgerEntry {
	id := t.ID
	return newEntry(t.BuyerID, domain.EntryDebitRefund, amount.Abs(), t.Currency, &id, key, at)
}

// Chargeback debits the seller wallet for a processor chargeback (negative)
func Chargeback(t *domain.Transaction, amount decimal.Decimal, key string, at time.Time) domain.LedgerEntry {
	id := t.ID
	return newEntry(t.SellerID, domain.EntryDebitChargeback, amount.Abs().Neg(), t.Currency, &id, key, at)
}

// Adjustment is a signed manual correction
func Adjustment(userID string, amount decimal.Decimal, currency, note, key string, at time.Time) domain.LedgerEntry {
	e := newEntry(userID, domain.EntryAdjustment, amount, currency, nil, key, at)
	e.Note = note
	return e
}

// RefundAmount is what the buyer gets back on a buyer win: the subtotal not yet released
// through milestones plus the buyer fee
func RefundAmount(t *domain.Transaction) decimal.Decimal {
	return t.Subtotal.Sub(t.ReleasedAmount()).Add(t.BuyerFee).Round(2)
}
