package db

import (
	"errors"    // Error matching
	"fmt"       // Error wrapping
	"math/rand" // Display id generation
	"time"      // Timestamps

	"gorm.io/gorm"        // GORM ORM library
	"gorm.io/gorm/clause" // Association omission

	"rift_escrow/internal/domain" // Importing domain models
)

const displayIDAttempts = 5

// notFound maps gorm's record-not-found onto the domain sentinel
func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

// CreateTransaction inserts a transaction with its milestones, drawing a fresh random
// display id when the previous draw collided
func CreateTransaction(db *gorm.DB, t *domain.Transaction) error {
	var err error
	for attempt := 0; attempt < displayIDAttempts; attempt++ {
		t.DisplayID = 100000000 + rand.Int63n(900000000) // Nine digit human facing number
		err = db.Transaction(func(tx *gorm.DB) error {
			return tx.Create(t).Error // Milestones are inserted with the parent
		})
		if err == nil || !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// FindTransaction loads a transaction with its milestones in order
func FindTransaction(tx *gorm.DB, id string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := tx.Preload("Milestones", func(q *gorm.DB) *gorm.DB {
		return q.Order("position")
	}).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	return &t, nil
}

// SaveTransaction writes every column of t guarded by its version. A lost race returns
// ConcurrentModificationError and leaves t.Version unchanged.
func SaveTransaction(tx *gorm.DB, t *domain.Transaction) error {
	prev := t.Version
	t.Version = prev + 1
	t.UpdatedAt = time.Now().UTC()
	res := tx.Model(t).Where("version = ?", prev).
		Select("*").Omit("id", "display_id", "created_at", clause.Associations).
		Updates(t)
	if res.Error != nil {
		t.Version = prev
		return fmt.Errorf("update transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		t.Version = prev
		return &domain.ConcurrentModificationError{TransactionID: t.ID}
	}
	return nil
}

// SaveMilestone writes a milestone; callers hold the parent's version guard in the same unit of work
func SaveMilestone(tx *gorm.DB, m *domain.Milestone) error {
	if err := tx.Save(m).Error; err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return nil
}

// ActiveDispute returns the dispute awaiting a decision on a transaction, if any
func ActiveDispute(tx *gorm.DB, transactionID string) (*domain.Dispute, error) {
	var d domain.Dispute
	err := tx.Where("transaction_id = ? AND status IN ?", transactionID,
		[]domain.DisputeStatus{domain.DisputeSubmitted, domain.DisputeNeedsInfo, domain.DisputeUnderReview}).
		Order("created_at desc").First(&d).Error
	if err != nil {
		return nil, notFound(err, "dispute")
	}
	return &d, nil
}

// LastClosedAgainst returns when the latest dispute openedBy filed on a transaction closed
// without a buyer win, or nil when none did
func LastClosedAgainst(tx *gorm.DB, transactionID, openedBy string) (*time.Time, error) {
	var d domain.Dispute
	err := tx.Where("transaction_id = ? AND opened_by = ? AND status IN ? AND resolved_at IS NOT NULL", transactionID, openedBy,
		[]domain.DisputeStatus{domain.DisputeRejected, domain.DisputeResolvedSeller}).
		Order("resolved_at desc").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load closed disputes: %w", err)
	}
	return d.ResolvedAt, nil
}

// FindDispute loads a dispute with its evidence and action history
func FindDispute(tx *gorm.DB, id string) (*domain.Dispute, error) {
	var d domain.Dispute
	err := tx.Preload("Evidence", func(q *gorm.DB) *gorm.DB { return q.Order("created_at") }).
		Preload("Actions", func(q *gorm.DB) *gorm.DB { return q.Order("created_at") }).
		Where("id = ?", id).First(&d).Error
	if err != nil {
		return nil, notFound(err, "dispute")
	}
	return &d, nil
}

// DisputeQueue lists active disputes for the admin queue: high priority first, urgent
// before non-urgent, oldest first within a band
func DisputeQueue(tx *gorm.DB, offset, limit int) ([]domain.Dispute, int64, error) {
	q := tx.Model(&domain.Dispute{}).Where("status IN ?",
		[]domain.DisputeStatus{domain.DisputeSubmitted, domain.DisputeNeedsInfo, domain.DisputeUnderReview})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count disputes: %w", err)
	}
	var out []domain.Dispute
	err := q.Order("CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END").
		Order("urgent desc").Order("created_at").
		Offset(offset).Limit(limit).Find(&out).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list disputes: %w", err)
	}
	return out, total, nil
}

// DueForAutoRelease returns ids of transactions in one of statuses whose review window
// ended at or before now, plus milestone transactions with an expired milestone window
func DueForAutoRelease(tx *gorm.DB, statuses, milestoneStatuses []domain.Status, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := tx.Model(&domain.Transaction{}).
		Where("status IN ? AND review_window_ends_at <= ? AND reconcile_action = ''", statuses, now).
		Order("review_window_ends_at").Limit(limit).Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list due releases: %w", err)
	}
	var milestoneIDs []string
	err = tx.Model(&domain.Milestone{}).
		Joins("JOIN transactions ON transactions.id = milestones.transaction_id").
		Where("milestones.released = ? AND milestones.review_window_ends_at <= ?", false, now).
		Where("transactions.status IN ? AND transactions.reconcile_action = ''", milestoneStatuses).
		Distinct().Limit(limit).Pluck("milestones.transaction_id", &milestoneIDs).Error
	if err != nil {
		return nil, fmt.Errorf("list due milestones: %w", err)
	}
	return mergeIDs(ids, milestoneIDs), nil
}

// InStatus returns ids of transactions in one of statuses with no pending reconciliation,
// optionally released at or before releasedBefore
func InStatus(tx *gorm.DB, statuses []domain.Status, releasedBefore *time.Time, limit int) ([]string, error) {
	q := tx.Model(&domain.Transaction{}).Where("status IN ? AND reconcile_action = ''", statuses)
	if releasedBefore != nil {
		q = q.Where("released_at <= ?", *releasedBefore)
	}
	var ids []string
	if err := q.Order("updated_at").Limit(limit).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return ids, nil
}

// NeedsReconcile returns ids of transactions flagged for reconciliation
func NeedsReconcile(tx *gorm.DB, limit int) ([]string, error) {
	var ids []string
	err := tx.Model(&domain.Transaction{}).Where("reconcile_action <> ''").
		Order("updated_at").Limit(limit).Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list reconciliation backlog: %w", err)
	}
	return ids, nil
}

// VaultAssets lists a transaction's assets in upload order
func VaultAssets(tx *gorm.DB, transactionID string) ([]domain.VaultAsset, error) {
	var assets []domain.VaultAsset
	if err := tx.Where("transaction_id = ?", transactionID).Order("created_at").Order("id").Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("list vault assets: %w", err)
	}
	return assets, nil
}

// FindAsset loads one vault asset
func FindAsset(tx *gorm.DB, id string) (*domain.VaultAsset, error) {
	var a domain.VaultAsset
	if err := tx.Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err, "vault asset")
	}
	return &a, nil
}

// CountVaultEvents counts access events of a kind by actors holding role
func CountVaultEvents(tx *gorm.DB, transactionID, kind string, role domain.Role) (int64, error) {
	var n int64
	err := tx.Model(&domain.VaultEvent{}).
		Where("transaction_id = ? AND kind = ? AND actor_role = ?", transactionID, kind, role).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count vault events: %w", err)
	}
	return n, nil
}

// EntriesForTransaction lists the ledger entries tied to a transaction
func EntriesForTransaction(tx *gorm.DB, transactionID string) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	if err := tx.Where("related_transaction_id = ?", transactionID).Order("created_at").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range append(a, b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
