package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rift_escrow/internal/blob"
	"rift_escrow/internal/db"
	"rift_escrow/internal/db/dbtest"
	"rift_escrow/internal/domain"
)

var (
	buyer  = domain.Caller{UserID: "buyer-1", Role: domain.RoleBuyer}
	seller = domain.Caller{UserID: "seller-1", Role: domain.RoleSeller}
	admin  = domain.Caller{UserID: "staff-1", Role: domain.RoleAdmin}
)

type fixture struct {
	db    *gorm.DB
	svc   *Service
	blobs *blob.MemoryStore
	tx    *domain.Transaction
}

func setup(t *testing.T, status domain.Status) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	sealer, err := NewSealer(RandomKey())
	require.NoError(t, err)
	blobs := blob.NewMemoryStore()
	tx := &domain.Transaction{
		ID: uuid.NewString(), BuyerID: buyer.UserID, SellerID: seller.UserID, Status: status,
		ItemType: domain.ItemLicenseKeys, Currency: "USD", Subtotal: decimal.NewFromInt(500),
		BuyerFee: decimal.Zero, SellerFeeRate: decimal.RequireFromString("0.05"), Version: 1,
	}
	require.NoError(t, db.CreateTransaction(gdb, tx))
	return &fixture{db: gdb, svc: NewService(gdb, blobs, sealer, time.Minute), blobs: blobs, tx: tx}
}

func (f *fixture) store(t *testing.T, inputs ...AssetInput) []domain.VaultAsset {
	t.Helper()
	assets, err := f.svc.Prepare(context.Background(), f.tx, seller.UserID, inputs)
	require.NoError(t, err)
	require.NoError(t, f.db.Create(&assets).Error)
	return assets
}

func TestPrepareValidates(t *testing.T) {
	f := setup(t, domain.StatusFunded)
	_, err := f.svc.Prepare(context.Background(), f.tx, seller.UserID, nil)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))

	_, err = f.svc.Prepare(context.Background(), f.tx, seller.UserID, []AssetInput{{Type: domain.AssetFile}})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "assets[0]", ve.Field)

	_, err = f.svc.Prepare(context.Background(), f.tx, seller.UserID, []AssetInput{{Type: "HOLOGRAM", Secret: "x"}})
	require.True(t, errors.As(err, &ve))
}

func TestPrepareSealsSecretsAndUploadsFiles(t *testing.T) {
	f := setup(t, domain.StatusFunded)
	assets := f.store(t,
		AssetInput{Type: domain.AssetLicenseKey, Secret: "AAAA-BBBB-CCCC"},
		AssetInput{Type: domain.AssetFile, Label: "game.zip", Data: []byte("zip"), ContentType: "application/zip"},
	)
	assert.NotContains(t, string(assets[0].Sealed), "AAAA-BBBB-CCCC")
	assert.Empty(t, assets[0].BlobRef)
	data, ok := f.blobs.Get(assets[1].BlobRef)
	require.True(t, ok)
	assert.Equal(t, "zip", string(data))
	assert.Equal(t, domain.ScanPending, assets[1].ScanStatus)
}

func TestListAssetsVisibility(t *testing.T) {
	f := setup(t, domain.StatusFunded)
	f.store(t, AssetInput{Type: domain.AssetTracking, Secret: "1Z999"})

	got, err := f.svc.ListAssets(context.Background(), f.tx.ID, buyer)
	require.NoError(t, err)
	assert.Empty(t, got, "buyer sees nothing before proof is visible")
	assert.NotNil(t, got)

	got, err = f.svc.ListAssets(context.Background(), f.tx.ID, seller)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.ListAssets(context.Background(), f.tx.ID, admin)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = f.svc.ListAssets(context.Background(), f.tx.ID, domain.Caller{UserID: "stranger", Role: domain.RoleBuyer})
	var pd *domain.PermissionDeniedError
	assert.True(t, errors.As(err, &pd))

	for _, status := range []domain.Status{domain.StatusProofSubmitted, domain.StatusDeliveredPendingRelease, domain.StatusPaidOut} {
		require.NoError(t, f.db.Model(&domain.Transaction{}).Where("id = ?", f.tx.ID).Update("status", status).Error)
		got, err = f.svc.ListAssets(context.Background(), f.tx.ID, buyer)
		require.NoError(t, err)
		assert.Len(t, got, 1, status)
	}
}

func TestLicenseKeyRevealIsOneWay(t *testing.T) {
	f := setup(t, domain.StatusProofSubmitted)
	asset := f.store(t, AssetInput{Type: domain.AssetLicenseKey, Secret: "AAAA-BBBB-CCCC"})[0]

	var wg sync.WaitGroup
	results := make([]*RevealResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Reveal(context.Background(), asset.ID, buyer)
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	firsts := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "AAAA-BBBB-CCCC", r.Secret)
		if r.FirstReveal {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts)

	var events int64
	require.NoError(t, f.db.Model(&domain.VaultEvent{}).Where("asset_id = ? AND kind = ?", asset.ID, domain.VaultEventReveal).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	stored, err := db.FindAsset(f.db, asset.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRevealed)
	assert.Equal(t, buyer.UserID, stored.RevealedBy)

	facts, err := TriageFacts(f.db, f.tx.ID)
	require.NoError(t, err)
	assert.True(t, facts.LicenseKeyRevealed)
	assert.True(t, facts.ProofSubmitted)
}

func TestSellerReadDoesNotRevealKey(t *testing.T) {
	f := setup(t, domain.StatusProofSubmitted)
	asset := f.store(t, AssetInput{Type: domain.AssetLicenseKey, Secret: "KEY"})[0]
	_, err := f.svc.Reveal(context.Background(), asset.ID, seller)
	var pd *domain.PermissionDeniedError
	require.True(t, errors.As(err, &pd), "sellers read their own key through listing only")

	res, err := f.svc.Reveal(context.Background(), asset.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "KEY", res.Secret)
	stored, err := db.FindAsset(f.db, asset.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRevealed)
}

func TestBuyerRevealDeniedBeforeProof(t *testing.T) {
	f := setup(t, domain.StatusFunded)
	asset := f.store(t, AssetInput{Type: domain.AssetLicenseKey, Secret: "KEY"})[0]
	_, err := f.svc.Reveal(context.Background(), asset.ID, buyer)
	var pd *domain.PermissionDeniedError
	require.True(t, errors.As(err, &pd))
	assert.Equal(t, domain.ActionRevealAsset, pd.Action)
	assert.Equal(t, domain.StatusFunded, pd.Status)
}

func TestFileRevealRequiresPassingScan(t *testing.T) {
	f := setup(t, domain.StatusProofSubmitted)
	asset := f.store(t, AssetInput{Type: domain.AssetFile, Label: "a.pdf", Data: []byte("pdf")})[0]

	_, err := f.svc.Reveal(context.Background(), asset.ID, buyer)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "scan_status", ve.Field)

	_, err = f.svc.UpdateScan(context.Background(), asset.ID, domain.ScanPass, buyer)
	var pd *domain.PermissionDeniedError
	require.True(t, errors.As(err, &pd))

	_, err = f.svc.UpdateScan(context.Background(), asset.ID, domain.ScanPass, admin)
	require.NoError(t, err)

	res, err := f.svc.Reveal(context.Background(), asset.ID, buyer)
	require.NoError(t, err)
	assert.Contains(t, res.URL, "expires=")
	require.NotNil(t, res.ExpiresAt)
	assert.Empty(t, res.Secret)

	facts, err := TriageFacts(f.db, f.tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, facts.BuyerDownloads)
}

func (f *fixture) disputeWithFile(t *testing.T) (*domain.Dispute, string) {
	t.Helper()
	ref, err := f.svc.StoreFile(context.Background(), f.tx.ID, "empty.png", "image/png", []byte("png"))
	require.NoError(t, err)
	fileID := uuid.NewString()
	d := &domain.Dispute{
		ID: uuid.NewString(), TransactionID: f.tx.ID, OpenedBy: buyer.UserID, OpenedByRole: domain.RoleBuyer,
		Status: domain.DisputeSubmitted, Reason: domain.ReasonNotAsDescribed, Summary: "s", CreatedAt: time.Now().UTC(),
		Evidence: []domain.Evidence{
			{ID: fileID, Kind: domain.EvidenceFile, Filename: "empty.png", BlobRef: ref, SubmittedBy: buyer.UserID},
			{ID: uuid.NewString(), Kind: domain.EvidenceText, Text: "folder was empty", SubmittedBy: buyer.UserID},
		},
	}
	require.NoError(t, f.db.Create(d).Error)
	return d, fileID
}

func TestEvidenceURLForPartiesAndAdmins(t *testing.T) {
	f := setup(t, domain.StatusDisputed)
	d, fileID := f.disputeWithFile(t)

	for _, who := range []domain.Caller{admin, seller, {UserID: buyer.UserID}} {
		link, err := f.svc.EvidenceURL(context.Background(), d.ID, fileID, who)
		require.NoError(t, err, who.UserID)
		assert.Contains(t, link.URL, "expires=")
		assert.Equal(t, "empty.png", link.Filename)
		assert.True(t, link.ExpiresAt.After(time.Now().UTC()))
	}

	var logged int64
	require.NoError(t, f.db.Model(&domain.VaultEvent{}).
		Where("asset_id = ? AND kind = ?", fileID, domain.VaultEventEvidenceURL).Count(&logged).Error)
	assert.EqualValues(t, 3, logged)

	// The buyer fetching their own evidence is not a delivery download
	facts, err := TriageFacts(f.db, f.tx.ID)
	require.NoError(t, err)
	assert.Zero(t, facts.BuyerDownloads)
}

func TestEvidenceURLDenials(t *testing.T) {
	f := setup(t, domain.StatusDisputed)
	d, fileID := f.disputeWithFile(t)
	ctx := context.Background()

	_, err := f.svc.EvidenceURL(ctx, d.ID, fileID, domain.Caller{UserID: "stranger"})
	var pd *domain.PermissionDeniedError
	require.True(t, errors.As(err, &pd))
	assert.EqualValues(t, actionDownloadEvidence, pd.Action)

	_, err = f.svc.EvidenceURL(ctx, d.ID, fileID, domain.Caller{UserID: "scanner", Role: domain.RoleSystem})
	require.True(t, errors.As(err, &pd))

	_, err = f.svc.EvidenceURL(ctx, d.ID, d.Evidence[1].ID, buyer)
	var ve *domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "kind", ve.Field)

	_, err = f.svc.EvidenceURL(ctx, d.ID, "missing", admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.EvidenceURL(ctx, "missing", fileID, admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSealerBindsAssetID(t *testing.T) {
	s, err := NewSealer(RandomKey())
	require.NoError(t, err)
	sealed, err := s.Seal([]byte("secret"), "asset-1")
	require.NoError(t, err)
	out, err := s.Open(sealed, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(out))
	_, err = s.Open(sealed, "asset-2")
	assert.ErrorIs(t, err, ErrSealed)

	_, err = NewSealerFromHex("abcd")
	assert.Error(t, err)
}
