// Package dispute holds the dispute rules: submission gates, auto-triage and the
// dispute sub-state machine. Everything here is pure; the escrow service
// feeds it facts and persists the outcome.
package dispute

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"rift_escrow/internal/domain"
)

// Rules holds the tunable thresholds of the dispute gates
type Rules struct {
	MinSummaryLength   int           // Characters, after trimming
	DeclarationText    string        // Exact confirmation the caller must type
	TicketUrgentWindow time.Duration // Before the event, disputes are flagged urgent
	DigitalEarlyWindow time.Duration // After proof upload, not_received is flagged early
	Cooldown           time.Duration // After a dispute closed against the opener
	Triage             TriageConfig
}

// DefaultDeclaration is the confirmation text used unless configured otherwise
const DefaultDeclaration = "I swear that the information in this dispute is true and accurate"

// Flags attached to disputes
const (
	FlagEventImminent         = "event_imminent"
	FlagProofRecentlyUploaded = "proof_recently_uploaded"
)

// DefaultRules returns the production defaults
func DefaultRules() Rules {
	return Rules{
		MinSummaryLength:   200,
		DeclarationText:    DefaultDeclaration,
		TicketUrgentWindow: 6 * time.Hour,
		DigitalEarlyWindow: time.Hour,
		Cooldown:           24 * time.Hour,
		Triage:             DefaultTriage(),
	}
}

// Submission is what a party sends to open a dispute
type Submission struct {
	Reason              domain.DisputeReason
	Summary             string
	DeclarationAccepted bool
	DeclarationText     string
	EvidenceKinds       []domain.EvidenceKind
}

// Context carries the transaction facts the eligibility gate needs
type Context struct {
	OpenerRole       domain.Role
	ItemType         domain.ItemType
	EventDate        *time.Time
	ProofSubmittedAt *time.Time
	LastClosedAt     *time.Time // The opener's most recent dispute that closed without a buyer win
	Now              time.Time
}

// Eligibility is the non-blocking outcome of the eligibility gate
type Eligibility struct {
	Urgent bool
	Flags  []string
}

// ValidReason reports whether r is one of the fixed reasons
func ValidReason(r domain.DisputeReason) bool {
	switch r {
	case domain.ReasonNotReceived, domain.ReasonNotAsDescribed, domain.ReasonUnauthorized,
		domain.ReasonSellerNonresponsive, domain.ReasonOther:
		return true
	}
	return false
}

// Validate runs every submission gate in order: reason, eligibility, declaration, summary, evidence.
// The first failure is returned.
func (r Rules) Validate(sub Submission, c Context) (Eligibility, error) {
	if err := r.CheckReason(sub.Reason, c.OpenerRole); err != nil {
		return Eligibility{}, err
	}
	el, err := r.CheckEligibility(sub.Reason, c)
	if err != nil {
		return Eligibility{}, err
	}
	if err := r.CheckDeclaration(sub.DeclarationAccepted, sub.DeclarationText); err != nil {
		return Eligibility{}, err
	}
	if err := r.CheckSummary(sub.Summary); err != nil {
		return Eligibility{}, err
	}
	if err := CheckEvidence(sub.Reason, sub.EvidenceKinds); err != nil {
		return Eligibility{}, err
	}
	return el, nil
}

// CheckReason validates the reason and who may use it; sellers may only dispute with "other"
func (r Rules) CheckReason(reason domain.DisputeReason, opener domain.Role) error {
	if !ValidReason(reason) {
		return &domain.ValidationError{Field: "reason", Reason: fmt.Sprintf("unknown dispute reason %q", reason)}
	}
	if opener == domain.RoleSeller && reason != domain.ReasonOther {
		return &domain.ValidationError{Field: "reason", Reason: "sellers may only open disputes with reason \"other\""}
	}
	return nil
}

// CheckEligibility applies the reason- and item-type-specific eligibility and cooldown rules
func (r Rules) CheckEligibility(reason domain.DisputeReason, c Context) (Eligibility, error) {
	var el Eligibility
	if c.LastClosedAt != nil && c.Now.Before(c.LastClosedAt.Add(r.Cooldown)) {
		return el, &domain.ValidationError{
			Field:  "reason",
			Reason: fmt.Sprintf("your last dispute on this transaction closed recently; a new one may be opened after %s", c.LastClosedAt.Add(r.Cooldown).UTC().Format(time.RFC3339)),
		}
	}
	if c.ItemType == domain.ItemTickets && c.EventDate != nil {
		if !c.Now.Before(*c.EventDate) {
			return el, &domain.ValidationError{Field: "event_date", Reason: "the event has already taken place; ticket disputes are closed"}
		}
		if c.EventDate.Sub(c.Now) <= r.TicketUrgentWindow {
			el.Urgent = true
			el.Flags = append(el.Flags, FlagEventImminent)
		}
	}
	digital := c.ItemType == domain.ItemDigital || c.ItemType == domain.ItemLicenseKeys
	if digital && reason == domain.ReasonNotReceived && c.ProofSubmittedAt != nil &&
		c.Now.Sub(*c.ProofSubmittedAt) < r.DigitalEarlyWindow {
		el.Flags = append(el.Flags, FlagProofRecentlyUploaded)
	}
	return el, nil
}

// CheckDeclaration requires the sworn declaration with the exact confirmation text
func (r Rules) CheckDeclaration(accepted bool, text string) error {
	if !accepted {
		return &domain.ValidationError{Field: "sworn_declaration", Reason: "the sworn declaration must be accepted"}
	}
	if strings.TrimSpace(text) != r.DeclarationText {
		return &domain.ValidationError{Field: "declaration_text", Reason: fmt.Sprintf("type exactly: %q", r.DeclarationText)}
	}
	return nil
}

// CheckSummary enforces the minimum summary length
func (r Rules) CheckSummary(summary string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(summary)); n < r.MinSummaryLength {
		return &domain.ValidationError{
			Field:  "summary",
			Reason: fmt.Sprintf("summary must be at least %d characters (got %d)", r.MinSummaryLength, n),
		}
	}
	return nil
}

// CheckEvidence enforces evidence sufficiency: not_received and not_as_described need
// at least one file, or at least two text/link items.
func CheckEvidence(reason domain.DisputeReason, kinds []domain.EvidenceKind) error {
	if reason != domain.ReasonNotReceived && reason != domain.ReasonNotAsDescribed {
		return nil
	}
	files, other := 0, 0
	for _, k := range kinds {
		switch k {
		case domain.EvidenceFile:
			files++
		case domain.EvidenceText, domain.EvidenceLink:
			other++
		}
	}
	if files >= 1 || other >= 2 {
		return nil
	}
	return &domain.ValidationError{
		Field:  "evidence",
		Reason: "dispute requires more evidence: attach at least one file or two text/link items",
	}
}
