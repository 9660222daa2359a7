package domain

import "time"

// DisputeStatus is the dispute sub-state
type DisputeStatus string

// Dispute statuses
const (
	DisputeSubmitted      DisputeStatus = "submitted"
	DisputeNeedsInfo      DisputeStatus = "needs_info"
	DisputeUnderReview    DisputeStatus = "under_review"
	DisputeResolvedBuyer  DisputeStatus = "resolved_buyer"
	DisputeResolvedSeller DisputeStatus = "resolved_seller"
	DisputeRejected       DisputeStatus = "rejected"
)

// Active reports whether the dispute still awaits a decision
func (s DisputeStatus) Active() bool {
	return s == DisputeSubmitted || s == DisputeNeedsInfo || s == DisputeUnderReview
}

// DisputeReason is why a dispute was opened
type DisputeReason string

// Dispute reasons
const (
	ReasonNotReceived         DisputeReason = "not_received"
	ReasonNotAsDescribed      DisputeReason = "not_as_described"
	ReasonUnauthorized        DisputeReason = "unauthorized"
	ReasonSellerNonresponsive DisputeReason = "seller_nonresponsive"
	ReasonOther               DisputeReason = "other"
)

// Dispute priorities, ordered for the admin queue
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Auto-triage decisions
const (
	TriageAutoReject  = "auto_reject"
	TriageNeedsReview = "needs_review"
)

// Dispute Model (sub-entity of a transaction)
type Dispute struct {
	ID                  string        `gorm:"primaryKey;size:36" json:"id"`
	TransactionID       string        `gorm:"size:36;index;not null" json:"transaction_id"`
	OpenedBy            string        `gorm:"size:64;not null" json:"opened_by"`
	OpenedByRole        Role          `gorm:"size:16;not null" json:"opened_by_role"`
	Status              DisputeStatus `gorm:"size:32;index;not null" json:"status"`
	Reason              DisputeReason `gorm:"size:32;not null" json:"reason"`
	Summary             string        `gorm:"type:text;not null" json:"summary"`
	SwornDeclaration    bool          `gorm:"not null" json:"sworn_declaration"`
	DeclarationText     string        `gorm:"size:512" json:"declaration_text"`
	CategorySnapshot    ItemType      `gorm:"size:32" json:"category_snapshot"`
	Priority            string        `gorm:"size:16;index" json:"priority"`
	Urgent              bool          `gorm:"not null;default:false" json:"urgent"`
	Flags               []string      `gorm:"serializer:json" json:"flags,omitempty"`
	AutoTriageDecision  string        `gorm:"size:32" json:"auto_triage_decision,omitempty"`
	AutoTriageRationale []string      `gorm:"serializer:json" json:"auto_triage_rationale,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty"`

	Evidence []Evidence      `gorm:"foreignKey:DisputeID" json:"evidence,omitempty"`
	Actions  []DisputeAction `gorm:"foreignKey:DisputeID" json:"actions,omitempty"`
}

// EvidenceKind classifies evidence items
type EvidenceKind string

// Evidence kinds
const (
	EvidenceFile EvidenceKind = "file"
	EvidenceText EvidenceKind = "text"
	EvidenceLink EvidenceKind = "link"
)

// Evidence Model (item attached to a dispute)
type Evidence struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	DisputeID   string       `gorm:"size:36;index;not null" json:"-"`
	Kind        EvidenceKind `gorm:"size:16;not null" json:"kind"`
	Text        string       `gorm:"type:text" json:"text,omitempty"`
	URL         string       `gorm:"size:1024" json:"url,omitempty"`
	Filename    string       `gorm:"size:255" json:"filename,omitempty"`
	BlobRef     string       `gorm:"size:512" json:"-"`
	SubmittedBy string       `gorm:"size:64;not null" json:"submitted_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DisputeAction Model (immutable admin/party action record)
type DisputeAction struct {
	ID         string        `gorm:"primaryKey;size:36" json:"id"`
	DisputeID  string        `gorm:"size:36;index;not null" json:"-"`
	ActorID    string        `gorm:"size:64;not null" json:"actor_id"`
	Action     Action        `gorm:"size:32;not null" json:"action"`
	Note       string        `gorm:"type:text" json:"note,omitempty"`
	FromStatus DisputeStatus `gorm:"size:32" json:"from_status"`
	ToStatus   DisputeStatus `gorm:"size:32" json:"to_status"`
	CreatedAt  time.Time     `json:"created_at"`
}
