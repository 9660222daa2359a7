package escrow

import (
	"context" // Cancellation for locks
	"strconv" // Milestone keys
	"time"    // Release timestamps

	"github.com/shopspring/decimal" // Credit sums
	"gorm.io/gorm"                  // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/permission"
)

// Release pays the seller's share into their wallet and moves the deal to RELEASED. On a
// milestone deal it releases every milestone still open. A second release is AlreadyProcessed.
// SYSTEM may only release once the review window has ended.
func (s *Service) Release(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if caller.Participates(t) && permission.IsReleased(t.Status) {
			return &domain.AlreadyProcessedError{Action: domain.ActionRelease, Status: t.Status}
		}
		if err := s.authorize(t, caller, domain.ActionRelease); err != nil {
			return err
		}
		now := s.now()
		if caller.Role == domain.RoleSystem && (t.ReviewWindowEndsAt == nil || now.Before(*t.ReviewWindowEndsAt)) {
			return &domain.ValidationError{Field: "review_window_ends_at", Reason: "the review window has not ended"}
		}
		from := t.Status
		availableAt := now.Add(s.opts.PayoutHold) // Credit stays pending until then
		var (
			entries []domain.LedgerEntry
			touched []*domain.Milestone
		)
		if t.AllowsPartialRelease {
			for i := range t.Milestones {
				m := &t.Milestones[i]
				if m.Released {
					continue
				}
				markReleased(m, now)
				touched = append(touched, m)
				entries = append(entries, ledger.ReleaseCredit(t, m.Amount, milestoneKey(t, m), availableAt))
			}
		} else {
			entries = append(entries, ledger.ReleaseCredit(t, t.Subtotal, ledger.Key(t.ID, domain.ActionRelease), availableAt))
		}
		markTransactionReleased(t, now)
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			for _, m := range touched {
				if err := db.SaveMilestone(tx, m); err != nil {
					return err
				}
			}
			return s.appendEntries(tx, t, domain.ActionRelease, entries...)
		})
		if err != nil {
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionRelease, from: from, entries: entries,
			events: []events.Event{s.event(events.TransactionReleased, t, caller, map[string]any{
				"credited":  sumAmounts(entries).StringFixed(2),
				"automatic": caller.Role == domain.RoleSystem,
			})},
		})
		out = t
		return nil
	})
	return out, err
}

func milestoneKey(t *domain.Transaction, m *domain.Milestone) string {
	return ledger.Key(t.ID, domain.ActionReleaseMilestone, strconv.Itoa(m.Index))
}

func markReleased(m *domain.Milestone, now time.Time) {
	m.Released = true
	m.ReleaseDate = &now
	m.ReviewWindowEndsAt = nil
}

func markTransactionReleased(t *domain.Transaction, now time.Time) {
	t.Status = domain.StatusReleased
	t.ReleasedAt = &now
	t.ReviewWindowEndsAt = nil
}

func sumAmounts(entries []domain.LedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum
}

// milestone finds a milestone by index on a milestone deal
func milestone(t *domain.Transaction, index int) (*domain.Milestone, error) {
	if !t.AllowsPartialRelease {
		return nil, &domain.ValidationError{Field: "index", Reason: "this transaction has no milestones"}
	}
	for i := range t.Milestones {
		if t.Milestones[i].Index == index {
			return &t.Milestones[i], nil
		}
	}
	return nil, &domain.ValidationError{Field: "index", Reason: "no milestone with index " + strconv.Itoa(index)}
}

// milestoneOp loads, authorizes and locates the milestone, then runs apply and saves
// the transaction and the milestone together
func (s *Service) milestoneOp(ctx context.Context, id string, index int, caller domain.Caller, action domain.Action,
	apply func(t *domain.Transaction, m *domain.Milestone, caller domain.Caller) (change, error)) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, action); err != nil {
			return err
		}
		m, err := milestone(t, index)
		if err != nil {
			return err
		}
		from := t.Status
		c, err := apply(t, m, caller)
		if err != nil {
			return err
		}
		c.t, c.caller, c.action, c.from = t, caller, action, from
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			if err := db.SaveMilestone(tx, m); err != nil {
				return err
			}
			return s.appendEntries(tx, t, action, c.entries...)
		})
		if err != nil {
			return err
		}
		s.committed(ctx, c)
		out = t
		return nil
	})
	return out, err
}

// SubmitMilestone records the seller's delivery of one milestone and starts its review window
func (s *Service) SubmitMilestone(ctx context.Context, id string, index int, caller domain.Caller) (*domain.Transaction, error) {
	return s.milestoneOp(ctx, id, index, caller, domain.ActionSubmitMilestone,
		func(t *domain.Transaction, m *domain.Milestone, caller domain.Caller) (change, error) {
			if m.Released {
				return change{}, &domain.AlreadyProcessedError{Action: domain.ActionReleaseMilestone, Status: t.Status}
			}
			now := s.now()
			ends := now.Add(s.reviewWindow(t.ItemType))
			m.SubmittedAt = &now
			m.ReviewWindowEndsAt = &ends
			return change{events: []events.Event{s.event(events.MilestoneSubmitted, t, caller, map[string]any{
				"index":                 m.Index,
				"review_window_ends_at": ends,
			})}}, nil
		})
}

// RequestRevision sends a submitted milestone back to the seller while revisions remain
func (s *Service) RequestRevision(ctx context.Context, id string, index int, caller domain.Caller) (*domain.Transaction, error) {
	return s.milestoneOp(ctx, id, index, caller, domain.ActionRequestRevision,
		func(t *domain.Transaction, m *domain.Milestone, caller domain.Caller) (change, error) {
			if m.Released {
				return change{}, &domain.AlreadyProcessedError{Action: domain.ActionReleaseMilestone, Status: t.Status}
			}
			if m.SubmittedAt == nil {
				return change{}, &domain.ValidationError{Field: "index", Reason: "the milestone has not been submitted"}
			}
			if m.RevisionRequests >= m.RevisionLimit {
				return change{}, &domain.ValidationError{Field: "revision_requests", Reason: "revision limit reached for this milestone"}
			}
			m.RevisionRequests++
			m.SubmittedAt = nil
			m.ReviewWindowEndsAt = nil
			return change{events: []events.Event{s.event(events.MilestoneRevisionRequested, t, caller, map[string]any{
				"index":             m.Index,
				"revision_requests": m.RevisionRequests,
			})}}, nil
		})
}

// ReleaseMilestone releases one milestone's share. Releasing the last open milestone moves
// the deal to RELEASED; any other leaves the status unchanged. SYSTEM may only release a
// submitted milestone whose own window has ended.
func (s *Service) ReleaseMilestone(ctx context.Context, id string, index int, caller domain.Caller) (*domain.Transaction, error) {
	return s.milestoneOp(ctx, id, index, caller, domain.ActionReleaseMilestone,
		func(t *domain.Transaction, m *domain.Milestone, caller domain.Caller) (change, error) {
			if m.Released {
				return change{}, &domain.AlreadyProcessedError{Action: domain.ActionReleaseMilestone, Status: t.Status}
			}
			now := s.now()
			if caller.Role == domain.RoleSystem && (m.ReviewWindowEndsAt == nil || now.Before(*m.ReviewWindowEndsAt)) {
				return change{}, &domain.ValidationError{Field: "review_window_ends_at", Reason: "the milestone review window has not ended"}
			}
			markReleased(m, now)
			entry := ledger.ReleaseCredit(t, m.Amount, milestoneKey(t, m), now.Add(s.opts.PayoutHold))
			evs := []events.Event{s.event(events.MilestoneReleased, t, caller, map[string]any{
				"index":    m.Index,
				"credited": entry.Amount.StringFixed(2),
			})}
			if t.AllMilestonesReleased() {
				markTransactionReleased(t, now)
				evs = append(evs, s.event(events.TransactionReleased, t, caller, map[string]any{"by_milestones": true}))
			}
			return change{entries: []domain.LedgerEntry{entry}, events: evs}, nil
		})
}
