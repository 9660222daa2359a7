package domain

import "time"

// AssetType is the kind of delivery proof held in the vault
type AssetType string

// Asset types
const (
	AssetFile             AssetType = "FILE"
	AssetLicenseKey       AssetType = "LICENSE_KEY"
	AssetTracking         AssetType = "TRACKING"
	AssetTicketProof      AssetType = "TICKET_PROOF"
	AssetURL              AssetType = "URL"
	AssetTextInstructions AssetType = "TEXT_INSTRUCTIONS"
)

// Valid reports whether a is a known asset type
func (a AssetType) Valid() bool {
	switch a {
	case AssetFile, AssetLicenseKey, AssetTracking, AssetTicketProof, AssetURL, AssetTextInstructions:
		return true
	}
	return false
}

// Blob reports whether the asset content lives in the blob store
func (a AssetType) Blob() bool {
	return a == AssetFile || a == AssetTicketProof
}

// ScanStatus is the malware scan verdict for uploaded files
type ScanStatus string

// Scan statuses
const (
	ScanPending ScanStatus = "PENDING"
	ScanPass    ScanStatus = "PASS"
	ScanFail    ScanStatus = "FAIL"
)

// VaultAsset Model (proof-of-delivery asset)
type VaultAsset struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`               // Primary key
	TransactionID string     `gorm:"size:36;index;not null" json:"transaction_id"` // Owning transaction
	AssetType     AssetType  `gorm:"size:32;not null" json:"asset_type"`         // Kind of proof
	Label         string     `gorm:"size:255" json:"label,omitempty"`            // Filename or caption
	ContentType   string     `gorm:"size:128" json:"content_type,omitempty"`     // MIME type for blobs
	BlobRef       string     `gorm:"size:512" json:"-"`                          // Blob store reference
	Sealed        []byte     `json:"-"`                                          // Encrypted secret (nonce prefixed)
	ScanStatus    ScanStatus `gorm:"size:16" json:"scan_status,omitempty"`       // Only for blob assets
	IsRevealed    bool       `gorm:"not null;default:false" json:"is_revealed"`  // One-way, license keys
	RevealedAt    *time.Time `json:"revealed_at,omitempty"`                      // First reveal
	RevealedBy    string     `gorm:"size:64" json:"revealed_by,omitempty"`       // Who revealed first
	UploadedBy    string     `gorm:"size:64;not null" json:"uploaded_by"`        // Seller id
	CreatedAt     time.Time  `json:"created_at"`                                 // Creation time
}

// Vault event kinds
const (
	VaultEventReveal      = "reveal"
	VaultEventSignedURL   = "signed_url"
	VaultEventEvidenceURL = "evidence_url" // AssetID holds the evidence id
)

// VaultEvent Model (access log consulted by auto-triage)
type VaultEvent struct {
	ID            string    `gorm:"primaryKey;size:36"`
	AssetID       string    `gorm:"size:36;index;not null"`
	TransactionID string    `gorm:"size:36;index;not null"`
	ActorID       string    `gorm:"size:64;not null"`
	ActorRole     Role      `gorm:"size:16;not null"`
	Kind          string    `gorm:"size:32;not null"`
	CreatedAt     time.Time
}
