package ledger

import (
	"context" // Context for Redis operations
	"errors"  // Error matching
	"fmt"     // Cache key formatting
	"regexp"  // Currency validation
	"strings" // Note trimming
	"time"    // Timestamps

	"github.com/google/uuid"        // Default idempotency keys
	"github.com/redis/go-redis/v9"  // Read cache
	"github.com/shopspring/decimal" // Money arithmetic
	"github.com/sirupsen/logrus"    // Structured logging
	"gorm.io/gorm"                  // GORM ORM library

	"rift_escrow/internal/domain"
	"rift_escrow/internal/metrics"
	"rift_escrow/internal/utils"
)

// ErrDuplicateEntry means an entry with the same idempotency key was already committed
var ErrDuplicateEntry = errors.New("ledger entry already recorded")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Service appends entries and serves cached balance reads
type Service struct {
	db  *gorm.DB
	rdb *redis.Client // Optional; nil disables caching
	ttl time.Duration
	now func() time.Time
}

// NewService creates a ledger service
func NewService(db *gorm.DB, rdb *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Service{db: db, rdb: rdb, ttl: ttl, now: time.Now}
}

// Append inserts entries inside the caller's unit of work. Entries are never updated or deleted.
func (s *Service) Append(tx *gorm.DB, entries ...domain.LedgerEntry) error {
	for i := range entries {
		if err := tx.Create(&entries[i]).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrDuplicateEntry, entries[i].IdempotencyKey)
			}
			return fmt.Errorf("append ledger entry: %w", err)
		}
	}
	return nil
}

// Committed reports committed entries to metrics and drops the owners' cached reads
func (s *Service) Committed(ctx context.Context, entries ...domain.LedgerEntry) {
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		metrics.RecordLedgerEntry(string(e.Type))
		users = append(users, e.UserID)
	}
	s.Invalidate(ctx, users...)
}

func walletKey(userID string) string { return "wallet:user:" + userID }

func entriesPrefix(userID string) string { return "ledger:user:" + userID }

// Invalidate drops cached balances and entry pages of the given users
func (s *Service) Invalidate(ctx context.Context, userIDs ...string) {
	if s.rdb == nil {
		return
	}
	for _, id := range userIDs {
		_ = utils.DeleteCache(ctx, s.rdb, walletKey(id)) // Balance cache
		if err := utils.DeletePrefix(ctx, s.rdb, entriesPrefix(id)+":"); err != nil {
			logrus.WithFields(logrus.Fields{"user_id": id, "error": err.Error()}).Warn("Ledger cache invalidation failed")
		}
	}
}

// Wallets returns the user's balances per currency; the flag reports a cache hit
func (s *Service) Wallets(ctx context.Context, userID string) ([]domain.Wallet, bool, error) {
	if s.rdb != nil {
		var cached []domain.Wallet
		if found, err := utils.GetCache(ctx, s.rdb, walletKey(userID), &cached); err == nil && found {
			return cached, true, nil
		}
	}
	var entries []domain.LedgerEntry
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&entries).Error; err != nil {
		return nil, false, fmt.Errorf("load ledger entries: %w", err)
	}
	now := s.now()
	wallets := Balance(userID, entries, now)
	if s.rdb != nil {
		_ = utils.SetCache(ctx, s.rdb, walletKey(userID), wallets, s.cacheTTL(entries, now))
	}
	return wallets, false, nil
}

// cacheTTL expires the balance cache no later than the next pending entry becomes available
func (s *Service) cacheTTL(entries []domain.LedgerEntry, now time.Time) time.Duration {
	ttl := s.ttl
	for _, e := range entries {
		if d := e.AvailableAt.Sub(now); d > 0 && d < ttl {
			ttl = d
		}
	}
	return ttl
}

// EntryPage is one page of a user's entry history, newest first
type EntryPage struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	Total      int64                `json:"total"`
	TotalPages int                  `json:"total_pages"`
}

// Entries returns a page of the user's entries; the flag reports a cache hit
func (s *Service) Entries(ctx context.Context, userID string, page, pageSize int) (EntryPage, bool, error) {
	if page < 1 {
		page = 1 // Default page number
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20 // Default page size
	}
	key := fmt.Sprintf("%s:page:%d:size:%d", entriesPrefix(userID), page, pageSize)
	if s.rdb != nil {
		var cached EntryPage
		if found, err := utils.GetCache(ctx, s.rdb, key, &cached); err == nil && found {
			return cached, true, nil
		}
	}
	res := EntryPage{Page: page, PageSize: pageSize}
	q := s.db.WithContext(ctx).Model(&domain.LedgerEntry{}).Where("user_id = ?", userID)
	if err := q.Count(&res.Total).Error; err != nil {
		return res, false, fmt.Errorf("count ledger entries: %w", err)
	}
	if err := q.Order("created_at desc").Order("id").Offset((page - 1) * pageSize).Limit(pageSize).Find(&res.Entries).Error; err != nil {
		return res, false, fmt.Errorf("load ledger entries: %w", err)
	}
	res.TotalPages = (int(res.Total) + pageSize - 1) / pageSize // Calculate total pages
	if s.rdb != nil {
		_ = utils.SetCache(ctx, s.rdb, key, res, s.ttl)
	}
	return res, false, nil
}

// AdjustmentRequest is an admin correction to a wallet
type AdjustmentRequest struct {
	AdminID        string
	UserID         string
	Currency       string
	Amount         decimal.Decimal // Signed
	Note           string
	IdempotencyKey string // Optional; generated when empty
}

// Adjust writes a signed ADJUSTMENT entry
func (s *Service) Adjust(ctx context.Context, req AdjustmentRequest) (*domain.LedgerEntry, error) {
	if req.UserID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "user id is required"}
	}
	if !currencyPattern.MatchString(req.Currency) {
		return nil, &domain.ValidationError{Field: "currency", Reason: "currency must be a three-letter ISO code"}
	}
	if req.Amount.Round(2).IsZero() {
		return nil, &domain.ValidationError{Field: "amount", Reason: "adjustment amount must not be zero"}
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		return nil, &domain.ValidationError{Field: "note", Reason: "adjustments require a note"}
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "adjustment:" + uuid.NewString()
	}
	entry := Adjustment(req.UserID, req.Amount, req.Currency, note, key, s.now())
	if err := s.Append(s.db.WithContext(ctx), entry); err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			return nil, &domain.AlreadyProcessedError{Action: "adjustment"}
		}
		return nil, err
	}
	s.Committed(ctx, entry)
	logrus.WithFields(logrus.Fields{
		"admin_id": req.AdminID,                 // Acting admin
		"user_id":  req.UserID,                  // Wallet owner
		"amount":   entry.Amount.StringFixed(2), // Signed amount
		"currency": entry.Currency,              // Currency
		"note":     note,                        // Reason
	}).Info("Wallet adjusted")
	return &entry, nil
}
