package escrow

import (
	"context" // Cancellation for locks and uploads
	"errors"  // Error matching
	"fmt"     // Validation messages
	"net/url" // Link evidence
	"strings" // Input normalization
	"time"    // Review windows

	"github.com/google/uuid"     // Dispute and evidence ids
	"github.com/sirupsen/logrus" // Structured logging
	"gorm.io/gorm"               // GORM ORM library

	"rift_escrow/internal/db"
	"rift_escrow/internal/dispute"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/permission"
	"rift_escrow/internal/vault"
)

// EvidenceInput is one evidence item; Data is set for files
type EvidenceInput struct {
	Kind        domain.EvidenceKind
	Text        string
	URL         string
	Filename    string
	ContentType string
	Data        []byte
}

// DisputeInput is what a party sends to open a dispute
type DisputeInput struct {
	Reason              domain.DisputeReason // Fixed reason code
	Summary             string               // At least the configured minimum length
	DeclarationAccepted bool                 // Sworn declaration ticked
	DeclarationText     string               // Typed confirmation, must match exactly
	Evidence            []EvidenceInput      // Checked against the reason's sufficiency rule
}

func checkEvidenceItem(i int, in EvidenceInput) error {
	field := fmt.Sprintf("evidence[%d]", i)
	switch in.Kind {
	case domain.EvidenceFile:
		if len(in.Data) == 0 {
			return &domain.ValidationError{Field: field, Reason: "file evidence is empty"}
		}
	case domain.EvidenceText:
		if strings.TrimSpace(in.Text) == "" {
			return &domain.ValidationError{Field: field, Reason: "text evidence is empty"}
		}
	case domain.EvidenceLink:
		u, err := url.Parse(strings.TrimSpace(in.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &domain.ValidationError{Field: field, Reason: "link evidence needs an http(s) URL"}
		}
	default:
		return &domain.ValidationError{Field: field, Reason: fmt.Sprintf("unknown evidence kind %q", in.Kind)}
	}
	return nil
}

// storeEvidence validates the items and uploads files; nothing is written to the database
func (s *Service) storeEvidence(ctx context.Context, transactionID, submittedBy string, inputs []EvidenceInput) ([]domain.Evidence, error) {
	for i, in := range inputs {
		if err := checkEvidenceItem(i, in); err != nil {
			return nil, err
		}
	}
	out := make([]domain.Evidence, 0, len(inputs))
	for _, in := range inputs {
		ev := domain.Evidence{
			ID:          uuid.NewString(),
			Kind:        in.Kind,
			Text:        strings.TrimSpace(in.Text),
			URL:         strings.TrimSpace(in.URL),
			Filename:    in.Filename,
			SubmittedBy: submittedBy,
			CreatedAt:   s.now(),
		}
		if in.Kind == domain.EvidenceFile {
			ref, err := s.vault.StoreFile(ctx, transactionID, in.Filename, in.ContentType, in.Data)
			if err != nil {
				orphaned(transactionID, out, err)
				return nil, err
			}
			ev.BlobRef = ref
		}
		out = append(out, ev)
	}
	return out, nil
}

// orphaned logs the blobs uploaded for evidence that was never written, so they can be swept
func orphaned(transactionID string, evidence []domain.Evidence, cause error) []string {
	var refs []string
	for _, ev := range evidence {
		if ev.BlobRef != "" {
			refs = append(refs, ev.BlobRef)
		}
	}
	if len(refs) > 0 {
		logrus.WithFields(logrus.Fields{
			"transaction_id": transactionID, // Deal the evidence was for
			"blob_refs":      refs,          // Uploaded, never referenced
			"error":          cause.Error(), // Why the write failed
		}).Warn("Evidence blobs orphaned")
	}
	return refs
}

func evidenceKinds(inputs []EvidenceInput) []domain.EvidenceKind {
	kinds := make([]domain.EvidenceKind, 0, len(inputs))
	for _, in := range inputs {
		kinds = append(kinds, in.Kind)
	}
	return kinds
}

func (s *Service) actionRecord(d *domain.Dispute, actorID string, action domain.Action, note string, from domain.DisputeStatus) domain.DisputeAction {
	return domain.DisputeAction{
		ID:         uuid.NewString(),
		DisputeID:  d.ID,
		ActorID:    actorID,
		Action:     action,
		Note:       strings.TrimSpace(note),
		FromStatus: from,
		ToStatus:   d.Status,
		CreatedAt:  s.now(),
	}
}

// OpenDispute runs the submission gates, triages the claim against the vault logs and
// puts the deal on hold in DISPUTED
func (s *Service) OpenDispute(ctx context.Context, id string, caller domain.Caller, in DisputeInput) (*domain.Dispute, error) {
	var out *domain.Dispute
	err := s.locked(ctx, id, func() error {
		t, caller, err := s.load(ctx, id, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionOpenDispute); err != nil {
			return err
		}
		gdb := s.db.WithContext(ctx)
		if _, err := db.ActiveDispute(gdb, t.ID); err == nil {
			return &domain.AlreadyProcessedError{Action: domain.ActionOpenDispute, Status: t.Status}
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		lastClosed, err := db.LastClosedAgainst(gdb, t.ID, caller.UserID)
		if err != nil {
			return err
		}
		now := s.now()
		el, err := s.opts.Rules.Validate(dispute.Submission{
			Reason:              in.Reason,
			Summary:             in.Summary,
			DeclarationAccepted: in.DeclarationAccepted,
			DeclarationText:     in.DeclarationText,
			EvidenceKinds:       evidenceKinds(in.Evidence),
		}, dispute.Context{
			OpenerRole:       caller.Role,
			ItemType:         t.ItemType,
			EventDate:        t.EventDate,
			ProofSubmittedAt: t.ProofSubmittedAt,
			LastClosedAt:     lastClosed,
			Now:              now,
		})
		if err != nil {
			return err
		}
		facts, err := vault.TriageFacts(gdb, t.ID)
		if err != nil {
			return err
		}
		triage := s.opts.Rules.Triage.Evaluate(in.Reason, caller.Role, facts)
		evidence, err := s.storeEvidence(ctx, t.ID, caller.UserID, in.Evidence)
		if err != nil {
			return err
		}
		d := &domain.Dispute{
			ID:                  uuid.NewString(),
			TransactionID:       t.ID,
			OpenedBy:            caller.UserID,
			OpenedByRole:        caller.Role,
			Status:              domain.DisputeSubmitted,
			Reason:              in.Reason,
			Summary:             strings.TrimSpace(in.Summary),
			SwornDeclaration:    in.DeclarationAccepted,
			DeclarationText:     strings.TrimSpace(in.DeclarationText),
			CategorySnapshot:    t.ItemType,
			Priority:            dispute.Priority(el.Urgent, triage.Decision),
			Urgent:              el.Urgent,
			Flags:               el.Flags,
			AutoTriageDecision:  triage.Decision,
			AutoTriageRationale: triage.Rationale,
			CreatedAt:           now,
			Evidence:            evidence,
		}
		d.Actions = []domain.DisputeAction{s.actionRecord(d, caller.UserID, domain.ActionOpenDispute, "", "")}
		from := t.Status
		t.PreDisputeStatus = t.Status // Restored when the hold clears
		t.Status = domain.StatusDisputed
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			return tx.Create(d).Error
		})
		if err != nil {
			orphaned(t.ID, evidence, err)
			return err
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionOpenDispute, from: from,
			events: []events.Event{s.event(events.DisputeOpened, t, caller, map[string]any{
				"dispute_id": d.ID,
				"reason":     d.Reason,
				"priority":   d.Priority,
				"triage":     d.AutoTriageDecision,
			})},
		})
		logrus.WithFields(logrus.Fields{
			"dispute_id":   d.ID,                 // New dispute
			"priority":     d.Priority,           // Queue band
			"urgent":       d.Urgent,             // Ticket event imminent
			"triage":       d.AutoTriageDecision, // Auto-triage verdict
			"triage_score": triage.Score,         // Weighted score
			"flags":        d.Flags,              // Non-blocking flags
		}).Info("Dispute opened")
		out = d
		return nil
	})
	return out, err
}

// disputeAndTransaction loads a dispute and its transaction for a caller
func (s *Service) disputeAndTransaction(ctx context.Context, disputeID string, caller domain.Caller) (*domain.Dispute, *domain.Transaction, domain.Caller, error) {
	gdb := s.db.WithContext(ctx)
	d, err := db.FindDispute(gdb, disputeID)
	if err != nil {
		return nil, nil, caller, err
	}
	t, err := db.FindTransaction(gdb, d.TransactionID)
	if err != nil {
		return nil, nil, caller, err
	}
	return d, t, caller.On(t), nil
}

// GetDispute returns a dispute with its evidence and action history to a party or an admin
func (s *Service) GetDispute(ctx context.Context, disputeID string, caller domain.Caller) (*domain.Dispute, error) {
	d, t, caller, err := s.disputeAndTransaction(ctx, disputeID, caller)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(t, caller, domain.ActionView); err != nil {
		return nil, err
	}
	return d, nil
}

// saveDispute writes the dispute's status guarded by the status it was read with
func saveDispute(tx *gorm.DB, d *domain.Dispute, prev domain.DisputeStatus) error {
	res := tx.Model(&domain.Dispute{}).Where("id = ? AND status = ?", d.ID, prev).Updates(map[string]any{
		"status":      d.Status,
		"resolved_at": d.ResolvedAt,
		"updated_at":  d.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("update dispute: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &domain.ConcurrentModificationError{TransactionID: d.TransactionID}
	}
	return nil
}

// AddEvidence attaches follow-up evidence from a party. A dispute waiting on more
// information moves back to under_review.
func (s *Service) AddEvidence(ctx context.Context, disputeID string, caller domain.Caller, inputs []EvidenceInput) (*domain.Dispute, error) {
	if len(inputs) == 0 {
		return nil, &domain.ValidationError{Field: "evidence", Reason: "at least one evidence item is required"}
	}
	d, err := db.FindDispute(s.db.WithContext(ctx), disputeID)
	if err != nil {
		return nil, err
	}
	var out *domain.Dispute
	err = s.locked(ctx, d.TransactionID, func() error {
		d, t, caller, err := s.disputeAndTransaction(ctx, disputeID, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, domain.ActionAddEvidence); err != nil {
			return err
		}
		prev := d.Status
		if prev == domain.DisputeNeedsInfo && caller.UserID != d.OpenedBy {
			return &domain.PermissionDeniedError{
				Status: t.Status,
				Role:   caller.Role,
				Action: domain.ActionAddEvidence,
				Reason: "only the party who opened the dispute answers an information request",
			}
		}
		next, err := dispute.Next(prev, domain.ActionAddEvidence)
		if err != nil {
			return err
		}
		evidence, err := s.storeEvidence(ctx, t.ID, caller.UserID, inputs)
		if err != nil {
			return err
		}
		for i := range evidence {
			evidence[i].DisputeID = d.ID
		}
		d.Status = next // needs_info moves back to under_review
		d.UpdatedAt = s.now()
		record := s.actionRecord(d, caller.UserID, domain.ActionAddEvidence, "", prev)
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := saveDispute(tx, d, prev); err != nil {
				return err
			}
			if err := tx.Create(&evidence).Error; err != nil {
				return err
			}
			return tx.Create(&record).Error
		})
		if err != nil {
			orphaned(t.ID, evidence, err)
			return err
		}
		d.Evidence = append(d.Evidence, evidence...)
		d.Actions = append(d.Actions, record)
		s.committed(ctx, change{
			t: t, caller: caller, action: domain.ActionAddEvidence, from: t.Status,
			events: []events.Event{s.event(events.DisputeUpdated, t, caller, map[string]any{
				"dispute_id": d.ID,
				"status":     d.Status,
				"evidence":   len(evidence),
			})},
		})
		out = d
		return nil
	})
	return out, err
}

// RequestInfo asks the opening party for more evidence
func (s *Service) RequestInfo(ctx context.Context, disputeID string, caller domain.Caller, note string) (*domain.Dispute, error) {
	return s.decide(ctx, disputeID, caller, domain.ActionRequestInfo, note)
}

// ResolveBuyer closes the dispute for the buyer: the unreleased subtotal plus the buyer fee is
// refunded to the buyer wallet and the deal ends RESOLVED without a seller payout
func (s *Service) ResolveBuyer(ctx context.Context, disputeID string, caller domain.Caller, note string) (*domain.Dispute, error) {
	return s.decide(ctx, disputeID, caller, domain.ActionResolveBuyer, note)
}

// ResolveSeller closes the dispute for the seller and restores the held status with a fresh review window
func (s *Service) ResolveSeller(ctx context.Context, disputeID string, caller domain.Caller, note string) (*domain.Dispute, error) {
	return s.decide(ctx, disputeID, caller, domain.ActionResolveSeller, note)
}

// Reject dismisses the dispute; the hold clears in the seller's favor
func (s *Service) Reject(ctx context.Context, disputeID string, caller domain.Caller, note string) (*domain.Dispute, error) {
	return s.decide(ctx, disputeID, caller, domain.ActionRejectDispute, note)
}

// decide applies an admin action to a dispute and, for resolutions, to its transaction
func (s *Service) decide(ctx context.Context, disputeID string, caller domain.Caller, action domain.Action, note string) (*domain.Dispute, error) {
	d, err := db.FindDispute(s.db.WithContext(ctx), disputeID)
	if err != nil {
		return nil, err
	}
	var out *domain.Dispute
	err = s.locked(ctx, d.TransactionID, func() error {
		d, t, caller, err := s.disputeAndTransaction(ctx, disputeID, caller)
		if err != nil {
			return err
		}
		if err := s.authorize(t, caller, action); err != nil {
			return err
		}
		prev := d.Status
		next, err := dispute.Next(prev, action)
		if err != nil {
			return err
		}
		if action != domain.ActionRequestInfo && strings.TrimSpace(note) == "" {
			return &domain.ValidationError{Field: "note", Reason: "resolutions require a note"}
		}
		now := s.now()
		d.Status = next
		d.UpdatedAt = now
		if !next.Active() {
			d.ResolvedAt = &now // Starts the opener's cooldown unless the buyer won
		}
		from := t.Status
		var entries []domain.LedgerEntry
		switch action {
		case domain.ActionResolveBuyer:
			if refund := ledger.RefundAmount(t); refund.IsPositive() {
				entries = append(entries, ledger.Refund(t, refund, ledger.Key(t.ID, action, d.ID), now))
			}
			t.Status = domain.StatusResolved
			t.ReviewWindowEndsAt = nil
		case domain.ActionResolveSeller, domain.ActionRejectDispute:
			s.restore(t, d, now)
		}
		record := s.actionRecord(d, caller.UserID, action, note, prev)
		err = s.commit(ctx, func(tx *gorm.DB) error {
			if err := saveDispute(tx, d, prev); err != nil {
				return err
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
			if action == domain.ActionRequestInfo {
				return nil // The hold is unchanged
			}
			if err := db.SaveTransaction(tx, t); err != nil {
				return err
			}
			return s.appendEntries(tx, t, action, entries...)
		})
		if err != nil {
			return err
		}
		d.Actions = append(d.Actions, record)
		typ := events.DisputeUpdated
		if !next.Active() {
			typ = events.DisputeResolved
		}
		s.committed(ctx, change{
			t: t, caller: caller, action: action, from: from, entries: entries,
			events: []events.Event{s.event(typ, t, caller, map[string]any{
				"dispute_id":     d.ID,
				"dispute_status": d.Status,
				"note":           record.Note,
			})},
		})
		out = d
		return nil
	})
	return out, err
}

// restore lifts the dispute hold. The deal returns to the status it was held in; when proof
// is on file the buyer gets a fresh review window. A buyer whose own dispute closed against
// them sits out the cooldown first, so their window starts when the cooldown ends.
func (s *Service) restore(t *domain.Transaction, d *domain.Dispute, now time.Time) {
	back := t.PreDisputeStatus
	if back == "" || !permission.Allowed(back, domain.RoleBuyer, domain.ActionOpenDispute) {
		back = domain.StatusFunded
	}
	t.Status = back
	t.PreDisputeStatus = ""
	if t.ProofSubmittedAt != nil {
		start := now
		if d.OpenedBy == t.BuyerID && s.opts.Rules.Cooldown > 0 {
			start = now.Add(s.opts.Rules.Cooldown)
		}
		ends := start.Add(s.reviewWindow(t.ItemType))
		t.ReviewWindowEndsAt = &ends
	}
}

// DisputePage is one page of the admin queue
type DisputePage struct {
	Disputes   []domain.Dispute `json:"disputes"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int64            `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// DisputeQueue lists active disputes for admins, high priority first
func (s *Service) DisputeQueue(ctx context.Context, caller domain.Caller, page, pageSize int) (*DisputePage, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, &domain.PermissionDeniedError{Role: caller.Role, Action: "view-dispute-queue", Reason: "only admins see the dispute queue"}
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	list, total, err := db.DisputeQueue(s.db.WithContext(ctx), (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, err
	}
	return &DisputePage{
		Disputes:   list,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: (int(total) + pageSize - 1) / pageSize,
	}, nil
}
