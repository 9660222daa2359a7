// Package vault holds delivery proof for a transaction and controls who may see it.
// Blob assets are served only through signed URLs; license keys and other secrets are
// sealed at rest and revealed on request.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rift_escrow/internal/blob"
	"rift_escrow/internal/db"
	"rift_escrow/internal/dispute"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/metrics"
	"rift_escrow/internal/permission"
)

const (
	blobService  = "blob"
	maxBlobBytes = 25 << 20

	actionDownloadEvidence = "download-evidence"
)

// Service implements vault listing, reveal and scan updates
type Service struct {
	db      *gorm.DB
	blobs   blob.Store
	sealer  *Sealer
	urlTTL  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// NewService creates a vault service
func NewService(gdb *gorm.DB, blobs blob.Store, sealer *Sealer, urlTTL time.Duration) *Service {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Service{db: gdb, blobs: blobs, sealer: sealer, urlTTL: urlTTL, timeout: 10 * time.Second, now: func() time.Time { return time.Now().UTC() }}
}

// AssetInput is one proof item uploaded by the seller
type AssetInput struct {
	Type        domain.AssetType
	Label       string
	ContentType string
	Data        []byte // FILE and TICKET_PROOF content
	Secret      string // LICENSE_KEY, TRACKING, URL, TEXT_INSTRUCTIONS content
}

// RevealResult is what a reveal hands back: a secret or a signed URL
type RevealResult struct {
	AssetID     string           `json:"asset_id"`
	AssetType   domain.AssetType `json:"asset_type"`
	Secret      string           `json:"secret,omitempty"`
	URL         string           `json:"url,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	FirstReveal bool             `json:"first_reveal,omitempty"`
}

// Prepare validates the inputs, uploads blobs and seals secrets. The returned assets are
// inserted by the caller in the same unit of work as the status change.
func (s *Service) Prepare(ctx context.Context, t *domain.Transaction, uploader string, inputs []AssetInput) ([]domain.VaultAsset, error) {
	if len(inputs) == 0 {
		return nil, &domain.ValidationError{Field: "assets", Reason: "at least one proof asset is required"}
	}
	assets := make([]domain.VaultAsset, 0, len(inputs))
	for i, in := range inputs {
		field := fmt.Sprintf("assets[%d]", i)
		if !in.Type.Valid() {
			return nil, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("unknown asset type %q", in.Type)}
		}
		a := domain.VaultAsset{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			AssetType:     in.Type,
			Label:         strings.TrimSpace(in.Label),
			ContentType:   in.ContentType,
			UploadedBy:    uploader,
			CreatedAt:     s.now(),
		}
		if in.Type.Blob() {
			if len(in.Data) == 0 {
				return nil, &domain.ValidationError{Field: field, Reason: "file content is empty"}
			}
			if len(in.Data) > maxBlobBytes {
				return nil, &domain.ValidationError{Field: field, Reason: "file exceeds 25 MiB"}
			}
			ref, err := s.put(ctx, in.Data, blob.Metadata{TransactionID: t.ID, Filename: a.Label, ContentType: in.ContentType})
			if err != nil {
				return nil, err
			}
			a.BlobRef = ref
			a.ScanStatus = domain.ScanPending
		} else {
			secret := strings.TrimSpace(in.Secret)
			if secret == "" {
				return nil, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("%s content is empty", in.Type)}
			}
			sealed, err := s.sealer.Seal([]byte(secret), a.ID)
			if err != nil {
				return nil, fmt.Errorf("seal asset: %w", err)
			}
			a.Sealed = sealed
		}
		assets = append(assets, a)
	}
	return assets, nil
}

// StoreFile uploads a dispute evidence file and returns its blob ref
func (s *Service) StoreFile(ctx context.Context, transactionID, filename, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", &domain.ValidationError{Field: "evidence", Reason: "evidence file is empty"}
	}
	if len(data) > maxBlobBytes {
		return "", &domain.ValidationError{Field: "evidence", Reason: "evidence file exceeds 25 MiB"}
	}
	return s.put(ctx, data, blob.Metadata{TransactionID: transactionID, Filename: filename, ContentType: contentType})
}

func (s *Service) put(ctx context.Context, data []byte, meta blob.Metadata) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	ref, err := s.blobs.PutAsset(cctx, data, meta)
	if err != nil {
		metrics.RecordExternalCall(blobService, "put", "failed", time.Since(start))
		return "", &domain.ExternalServiceError{Service: blobService, Retryable: true, Unknown: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	metrics.RecordExternalCall(blobService, "put", "ok", time.Since(start))
	return ref, nil
}

// ListAssets returns asset metadata visible to the caller. A buyer sees nothing until
// proof is visible; that is an empty list, not an error.
func (s *Service) ListAssets(ctx context.Context, transactionID string, caller domain.Caller) ([]domain.VaultAsset, error) {
	t, err := db.FindTransaction(s.db.WithContext(ctx), transactionID)
	if err != nil {
		return nil, err
	}
	caller = caller.On(t)
	if !caller.Participates(t) {
		return nil, permission.Decide(t.Status, domain.RoleNone, domain.ActionViewVault).Err()
	}
	d := permission.Decide(t.Status, caller.Role, domain.ActionViewVault)
	if !d.Allowed {
		if caller.Role == domain.RoleBuyer {
			return []domain.VaultAsset{}, nil
		}
		return nil, d.Err()
	}
	return db.VaultAssets(s.db.WithContext(ctx), transactionID)
}

// Reveal hands out an asset's content. License keys are one-way: the buyer's first reveal
// flips IsRevealed and logs one reveal event; every reveal returns the same sealed secret.
// FILE and TICKET_PROOF assets yield a short-lived signed URL, for buyers only once the
// file passed scanning.
func (s *Service) Reveal(ctx context.Context, assetID string, caller domain.Caller) (*RevealResult, error) {
	a, err := db.FindAsset(s.db.WithContext(ctx), assetID)
	if err != nil {
		return nil, err
	}
	t, err := db.FindTransaction(s.db.WithContext(ctx), a.TransactionID)
	if err != nil {
		return nil, err
	}
	caller = caller.On(t)
	role := caller.Role
	if !caller.Participates(t) {
		role = domain.RoleNone
	}
	if d := permission.Decide(t.Status, role, domain.ActionRevealAsset); !d.Allowed {
		logrus.WithFields(logrus.Fields{
			"asset_id":       a.ID,
			"transaction_id": t.ID,
			"user_id":        caller.UserID,
			"role":           role,
			"status":         t.Status,
			"reason":         d.Reason,
		}).Warn("Vault reveal denied")
		metrics.RecordDenial(string(d.Action), string(d.Role), string(d.Status))
		return nil, d.Err()
	}
	res := &RevealResult{AssetID: a.ID, AssetType: a.AssetType}
	if a.AssetType.Blob() {
		return s.signedURL(ctx, a, caller, res)
	}
	plain, err := s.sealer.Open(a.Sealed, a.ID)
	if err != nil {
		return nil, fmt.Errorf("open asset %s: %w", a.ID, err)
	}
	res.Secret = string(plain)
	if a.AssetType == domain.AssetLicenseKey && caller.Role == domain.RoleBuyer && !a.IsRevealed {
		first, err := s.markRevealed(ctx, a, caller)
		if err != nil {
			return nil, err
		}
		res.FirstReveal = first
	}
	return res, nil
}

// markRevealed flips IsRevealed exactly once; a concurrent reveal that loses the update
// writes no event
func (s *Service) markRevealed(ctx context.Context, a *domain.VaultAsset, caller domain.Caller) (bool, error) {
	first := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&domain.VaultAsset{}).Where("id = ? AND is_revealed = ?", a.ID, false).
			Updates(map[string]any{"is_revealed": true, "revealed_at": now, "revealed_by": caller.UserID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // Someone else revealed first
		}
		first = true
		return tx.Create(&domain.VaultEvent{
			ID:            uuid.NewString(),
			AssetID:       a.ID,
			TransactionID: a.TransactionID,
			ActorID:       caller.UserID,
			ActorRole:     caller.Role,
			Kind:          domain.VaultEventReveal,
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("mark asset revealed: %w", err)
	}
	if first {
		logrus.WithFields(logrus.Fields{
			"asset_id":       a.ID,
			"transaction_id": a.TransactionID,
			"user_id":        caller.UserID,
		}).Info("License key revealed")
	}
	return first, nil
}

func (s *Service) signedURL(ctx context.Context, a *domain.VaultAsset, caller domain.Caller, res *RevealResult) (*RevealResult, error) {
	if caller.Role == domain.RoleBuyer && a.ScanStatus != domain.ScanPass {
		return nil, &domain.ValidationError{Field: "scan_status", Reason: fmt.Sprintf("file is not available while its scan status is %s", a.ScanStatus)}
	}
	url, exp, err := s.sign(ctx, a.BlobRef, domain.VaultEvent{
		AssetID:       a.ID,
		TransactionID: a.TransactionID,
		ActorID:       caller.UserID,
		ActorRole:     caller.Role,
		Kind:          domain.VaultEventSignedURL,
	})
	if err != nil {
		return nil, err
	}
	res.URL, res.ExpiresAt = url, &exp
	return res, nil
}

// sign presigns ref and records the access event
func (s *Service) sign(ctx context.Context, ref string, ev domain.VaultEvent) (string, time.Time, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	url, err := s.blobs.SignedURL(cctx, ref, s.urlTTL)
	if err != nil {
		metrics.RecordExternalCall(blobService, "sign", "failed", time.Since(start))
		return "", time.Time{}, &domain.ExternalServiceError{Service: blobService, Retryable: !errors.Is(err, blob.ErrNotFound), Err: err}
	}
	metrics.RecordExternalCall(blobService, "sign", "ok", time.Since(start))
	now := s.now()
	ev.ID = uuid.NewString()
	ev.CreatedAt = now
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		return "", time.Time{}, fmt.Errorf("record vault event: %w", err)
	}
	return url, now.Add(s.urlTTL), nil
}

// EvidenceLink is a short-lived download link for a dispute evidence file
type EvidenceLink struct {
	EvidenceID string    `json:"evidence_id"`
	DisputeID  string    `json:"dispute_id"`
	Filename   string    `json:"filename,omitempty"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// EvidenceURL signs a download link for a file attached to a dispute. The deal's buyer and
// seller and admins may fetch it; every link issued is logged as a vault event.
func (s *Service) EvidenceURL(ctx context.Context, disputeID, evidenceID string, caller domain.Caller) (*EvidenceLink, error) {
	gdb := s.db.WithContext(ctx)
	d, err := db.FindDispute(gdb, disputeID)
	if err != nil {
		return nil, err
	}
	var ev *domain.Evidence
	for i := range d.Evidence {
		if d.Evidence[i].ID == evidenceID {
			ev = &d.Evidence[i]
		}
	}
	if ev == nil {
		return nil, fmt.Errorf("evidence %s: %w", evidenceID, domain.ErrNotFound)
	}
	t, err := db.FindTransaction(gdb, d.TransactionID)
	if err != nil {
		return nil, err
	}
	caller = caller.On(t)
	party := (caller.Role == domain.RoleBuyer || caller.Role == domain.RoleSeller) && caller.Participates(t)
	if !party && caller.Role != domain.RoleAdmin {
		logrus.WithFields(logrus.Fields{
			"dispute_id":  d.ID,
			"evidence_id": evidenceID,
			"user_id":     caller.UserID,
			"role":        caller.Role,
		}).Warn("Evidence download denied")
		metrics.RecordDenial(actionDownloadEvidence, string(caller.Role), string(t.Status))
		return nil, &domain.PermissionDeniedError{
			Status: t.Status,
			Role:   caller.Role,
			Action: actionDownloadEvidence,
			Reason: "only the deal's parties and admins may download dispute evidence",
		}
	}
	if ev.Kind != domain.EvidenceFile || ev.BlobRef == "" {
		return nil, &domain.ValidationError{Field: "kind", Reason: "only file evidence can be downloaded"}
	}
	url, exp, err := s.sign(ctx, ev.BlobRef, domain.VaultEvent{
		AssetID:       ev.ID,
		TransactionID: t.ID,
		ActorID:       caller.UserID,
		ActorRole:     caller.Role,
		Kind:          domain.VaultEventEvidenceURL,
	})
	if err != nil {
		return nil, err
	}
	return &EvidenceLink{EvidenceID: ev.ID, DisputeID: d.ID, Filename: ev.Filename, URL: url, ExpiresAt: exp}, nil
}

// UpdateScan records the malware scan verdict of a blob asset
func (s *Service) UpdateScan(ctx context.Context, assetID string, status domain.ScanStatus, caller domain.Caller) (*domain.VaultAsset, error) {
	if caller.Role != domain.RoleAdmin && caller.Role != domain.RoleSystem {
		return nil, &domain.PermissionDeniedError{Role: caller.Role, Action: "update-scan", Reason: "only staff and the scanner may set scan results"}
	}
	if status != domain.ScanPass && status != domain.ScanFail {
		return nil, &domain.ValidationError{Field: "scan_status", Reason: "scan status must be PASS or FAIL"}
	}
	a, err := db.FindAsset(s.db.WithContext(ctx), assetID)
	if err != nil {
		return nil, err
	}
	if !a.AssetType.Blob() {
		return nil, &domain.ValidationError{Field: "asset_type", Reason: "only uploaded files are scanned"}
	}
	if err := s.db.WithContext(ctx).Model(a).Update("scan_status", status).Error; err != nil {
		return nil, fmt.Errorf("update scan status: %w", err)
	}
	a.ScanStatus = status
	logrus.WithFields(logrus.Fields{
		"asset_id":       a.ID,
		"transaction_id": a.TransactionID,
		"scan_status":    status,
		"by":             caller.UserID,
	}).Info("Vault asset scanned")
	return a, nil
}

// TriageFacts gathers what the vault knows about delivery for auto-triage
func TriageFacts(tx *gorm.DB, transactionID string) (dispute.Facts, error) {
	var f dispute.Facts
	assets, err := db.VaultAssets(tx, transactionID)
	if err != nil {
		return f, err
	}
	f.ProofSubmitted = len(assets) > 0
	for _, a := range assets {
		switch {
		case a.AssetType == domain.AssetTracking:
			f.TrackingProvided = true
		case a.AssetType == domain.AssetLicenseKey && a.IsRevealed:
			f.LicenseKeyRevealed = true
		}
	}
	downloads, err := db.CountVaultEvents(tx, transactionID, domain.VaultEventSignedURL, domain.RoleBuyer)
	if err != nil {
		return f, err
	}
	f.BuyerDownloads = int(downloads)
	return f, nil
}
