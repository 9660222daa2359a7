// Package escrow runs the transaction lifecycle: funding, proof of delivery, review,
// release, milestones, disputes and payouts. Every mutation takes the per-transaction
// lock, asks the permission engine, and commits the status change together with its
// ledger entries in one unit of work. Events, metrics and cache invalidation follow
// the commit.
package escrow

import (
	"context" // Cancellation for locks and external calls
	"errors"  // Error matching
	"fmt"     // Error wrapping
	"time"    // Review windows

	"github.com/shopspring/decimal" // Fee rates
	"github.com/sirupsen/logrus"    // Structured logging
	"gorm.io/gorm"                  // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/dispute"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/lock"
	"rift_escrow/internal/metrics"
	"rift_escrow/internal/payment"
	"rift_escrow/internal/permission"
	"rift_escrow/internal/vault"
)

// Payments is the slice of the payment gateway the lifecycle needs
type Payments interface {
	Charge(ctx context.Context, req payment.Request) (string, error)
	Payout(ctx context.Context, req payment.Request) (string, error)
	PayoutStatus(ctx context.Context, payoutID string) (payment.PayoutState, error)
}

// Options are the tunable escrow rules
type Options struct {
	ReviewWindows map[domain.ItemType]time.Duration // Per item type
	DefaultWindow time.Duration                     // When an item type has no entry
	PayoutHold    time.Duration                     // Released credit stays pending this long
	SellerFeeRate decimal.Decimal                   // Used when a deal does not set one
	Rules         dispute.Rules
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		ReviewWindows: map[domain.ItemType]time.Duration{domain.ItemPhysical: 48 * time.Hour},
		DefaultWindow: 24 * time.Hour,
		SellerFeeRate: decimal.RequireFromString("0.05"),
		Rules:         dispute.DefaultRules(),
	}
}

// Service is the escrow lifecycle
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	vault    *vault.Service
	payments Payments
	locker   lock.Locker
	events   events.Publisher
	opts     Options
	now      func() time.Time
}

// NewService wires the lifecycle to its collaborators
func NewService(gdb *gorm.DB, ledgerSvc *ledger.Service, vaultSvc *vault.Service, payments Payments,
	locker lock.Locker, publisher events.Publisher, opts Options) *Service {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 24 * time.Hour
	}
	if publisher == nil {
		publisher = events.LogPublisher{}
	}
	return &Service{
		db:       gdb,
		ledger:   ledgerSvc,
		vault:    vaultSvc,
		payments: payments,
		locker:   locker,
		events:   publisher,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source; used by tests and the job runner
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = func() time.Time { return now().UTC() }
	return s
}

func lockKey(transactionID string) string { return "tx:" + transactionID }

// locked runs fn while holding the transaction's lock
func (s *Service) locked(ctx context.Context, transactionID string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, lockKey(transactionID))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return &domain.ConcurrentModificationError{TransactionID: transactionID}
		}
		return err
	}
	defer release()
	return fn()
}

// load reads the transaction and resolves the caller's role on it
func (s *Service) load(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, domain.Caller, error) {
	t, err := db.FindTransaction(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, caller, err
	}
	return t, caller.On(t), nil
}

// authorize consults the permission engine; callers who do not match the transaction's
// parties are treated as non-participants
func (s *Service) authorize(t *domain.Transaction, caller domain.Caller, action domain.Action) error {
	role := caller.Role
	if !caller.Participates(t) {
		role = domain.RoleNone
	}
	d := permission.Decide(t.Status, role, action)
	if d.Allowed {
		return nil
	}
	metrics.RecordDenial(string(action), string(role), string(d.Canonical))
	logrus.WithFields(logrus.Fields{
		"transaction_id": t.ID,          // Target transaction
		"user_id":        caller.UserID, // Caller
		"role":           role,          // Resolved role
		"action":         action,        // Requested action
		"status":         t.Status,      // Current status
		"reason":         d.Reason,      // Engine explanation
	}).Warn("Action denied")
	return d.Err()
}

func (s *Service) reviewWindow(item domain.ItemType) time.Duration {
	if d, ok := s.opts.ReviewWindows[item]; ok && d > 0 {
		return d
	}
	return s.opts.DefaultWindow
}

// commit runs fn in one unit of work
func (s *Service) commit(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// change describes what a committed mutation did, for the post-commit hooks
type change struct {
	t       *domain.Transaction
	caller  domain.Caller
	action  domain.Action
	from    domain.Status
	entries []domain.LedgerEntry
	events  []events.Event
}

// committed fires the post-commit hooks: cache invalidation, events, metrics and the audit log
func (s *Service) committed(ctx context.Context, c change) {
	s.ledger.Committed(ctx, c.entries...)
	if len(c.events) > 0 {
		if err := s.events.Publish(ctx, c.events...); err != nil {
			logrus.WithFields(logrus.Fields{
				"transaction_id": c.t.ID,      // Transaction
				"error":          err.Error(), // Publisher error
			}).Error("Event publish failed")
		}
	}
	if c.from != c.t.Status {
		metrics.RecordTransition(string(c.action), string(c.from), string(c.t.Status))
	}
	logrus.WithFields(logrus.Fields{
		"transaction_id": c.t.ID,          // Transaction
		"display_id":     c.t.DisplayID,   // Human facing number
		"user_id":        c.caller.UserID, // Actor
		"role":           c.caller.Role,   // Actor role
		"action":         c.action,        // Applied action
		"from":           c.from,          // Status before
		"to":             c.t.Status,      // Status after
		"entries":        len(c.entries),  // Ledger entries written
		"version":        c.t.Version,     // New version
	}).Info("Transaction updated")
}

func (s *Service) event(typ string, t *domain.Transaction, caller domain.Caller, data map[string]any) events.Event {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = t.Status
	return events.New(typ, t.ID, caller.UserID, data)
}

// appendEntries writes entries, mapping a duplicate idempotency key to AlreadyProcessed
func (s *Service) appendEntries(tx *gorm.DB, t *domain.Transaction, action domain.Action, entries ...domain.LedgerEntry) error {
	if err := s.ledger.Append(tx, entries...); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEntry) {
			return &domain.AlreadyProcessedError{Action: action, Status: t.Status}
		}
		return err
	}
	return nil
}

// View is a transaction as seen by one caller
type View struct {
	Transaction    *domain.Transaction `json:"transaction"`
	Role           domain.Role         `json:"role"`
	AllowedActions []domain.Action     `json:"allowed_actions"`
}

// Get returns a transaction with the actions the caller may take next
func (s *Service) Get(ctx context.Context, id string, caller domain.Caller) (*View, error) {
	t, caller, err := s.load(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(t, caller, domain.ActionView); err != nil {
		return nil, err
	}
	return &View{Transaction: t, Role: caller.Role, AllowedActions: permission.AllowedActions(t.Status, caller.Role)}, nil
}

// List returns the caller's transactions, newest first
func (s *Service) List(ctx context.Context, userID string, page, pageSize int) ([]domain.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	q := s.db.WithContext(ctx).Model(&domain.Transaction{}).Where("buyer_id = ? OR seller_id = ?", userID, userID)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	var out []domain.Transaction
	if err := q.Order("created_at desc").Offset((page - 1) * pageSize).Limit(pageSize).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return out, total, nil
}
