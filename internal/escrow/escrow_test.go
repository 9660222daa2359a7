package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rift_escrow/internal/blob"
	"rift_escrow/internal/db"
	"rift_escrow/internal/db/dbtest"
	"rift_escrow/internal/dispute"
	"rift_escrow/internal/domain"
	"rift_escrow/internal/events"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/lock"
	"rift_escrow/internal/payment"
	"rift_escrow/internal/vault"
)

var (
	buyer  = domain.Caller{UserID: "buyer-1"}
	seller = domain.Caller{UserID: "seller-1"}
	admin  = domain.Caller{UserID: "staff-1", Role: domain.RoleAdmin}
	ctx    = context.Background()
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	db      *gorm.DB
	svc     *Service
	vault   *vault.Service
	sandbox *payment.Sandbox
	events  *events.Recorder
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := dbtest.Open(t)
	sealer, err := vault.NewSealer(vault.RandomKey())
	require.NoError(t, err)
	vs := vault.NewService(gdb, blob.NewMemoryStore(), sealer, time.Minute)
	sandbox := payment.NewSandbox()
	gateway := payment.NewGateway(sandbox, 50*time.Millisecond, 1).WithBackoffBase(time.Millisecond)
	rec := &events.Recorder{}
	clk := &clock{now: time.Now().UTC()}
	svc := NewService(gdb, ledger.NewService(gdb, nil, time.Minute), vs, gateway, lock.NewLocalLocker(), rec, DefaultOptions()).
		WithClock(clk.Now)
	return &harness{db: gdb, svc: svc, vault: vs, sandbox: sandbox, events: rec, clock: clk}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func digitalDeal() CreateInput {
	return CreateInput{SellerID: seller.UserID, ItemType: domain.ItemDigital, Currency: "usd", Subtotal: dec("500")}
}

func (h *harness) create(t *testing.T, in CreateInput) *domain.Transaction {
	t.Helper()
	tx, err := h.svc.Create(ctx, buyer, in)
	require.NoError(t, err)
	return tx
}

func (h *harness) funded(t *testing.T, in CreateInput) *domain.Transaction {
	t.Helper()
	tx := h.create(t, in)
	tx, err := h.svc.Pay(ctx, tx.ID, buyer)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFunded, tx.Status)
	return tx
}

func (h *harness) delivered(t *testing.T, in CreateInput) *domain.Transaction {
	t.Helper()
	tx := h.funded(t, in)
	tx, _, err := h.svc.UploadProof(ctx, tx.ID, seller, []vault.AssetInput{
		{Type: domain.AssetTextInstructions, Label: "access", Secret: "https://files.example.com/pack.zip"},
	})
	require.NoError(t, err)
	return tx
}

func (h *harness) entries(t *testing.T, txID string) []domain.LedgerEntry {
	t.Helper()
	entries, err := db.EntriesForTransaction(h.db, txID)
	require.NoError(t, err)
	return entries
}

func (h *harness) reload(t *testing.T, txID string) *domain.Transaction {
	t.Helper()
	tx, err := db.FindTransaction(h.db, txID)
	require.NoError(t, err)
	return tx
}

func amounts(entries []domain.LedgerEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Amount.StringFixed(2))
	}
	return out
}

func errAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	require.ErrorAs(t, err, &target)
	return target
}

func TestDigitalDealReleasesSellerShare(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	require.Equal(t, domain.StatusProofSubmitted, tx.Status)
	require.NotNil(t, tx.ReviewWindowEndsAt)
	assert.WithinDuration(t, h.clock.Now().Add(24*time.Hour), *tx.ReviewWindowEndsAt, time.Second)

	tx, err := h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, tx.Status)
	assert.Nil(t, tx.ReviewWindowEndsAt)

	entries := h.entries(t, tx.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryCreditRelease, entries[0].Type)
	assert.Equal(t, seller.UserID, entries[0].UserID)
	assert.Equal(t, "475.00", entries[0].Amount.StringFixed(2))
	assert.Equal(t, "USD", entries[0].Currency)

	assert.Equal(t, []string{
		events.TransactionCreated, events.TransactionFunded, events.TransactionProofSubmitted, events.TransactionReleased,
	}, h.events.Types())
}

func TestReleaseTwiceIsAlreadyProcessed(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	_, err := h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)

	_, err = h.svc.Release(ctx, tx.ID, buyer)
	errAs[*domain.AlreadyProcessedError](t, err)
	assert.Len(t, h.entries(t, tx.ID), 1)
}

func TestConcurrentReleasesCreditOnce(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	h.clock.Advance(25 * time.Hour) // Auto-release is due as well

	callers := []domain.Caller{buyer, domain.SystemCaller, buyer, domain.SystemCaller}
	errs := make([]error, len(callers))
	var wg sync.WaitGroup
	for i, c := range callers {
		wg.Add(1)
		go func(i int, c domain.Caller) {
			defer wg.Done()
			_, errs[i] = h.svc.Release(ctx, tx.ID, c)
		}(i, c)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		errAs[*domain.AlreadyProcessedError](t, err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, h.entries(t, tx.ID), 1)
	assert.Equal(t, int64(4), h.reload(t, tx.ID).Version) // pay, proof, release
}

func TestSystemReleaseWaitsForReviewWindow(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())

	_, err := h.svc.Release(ctx, tx.ID, domain.SystemCaller)
	ve := errAs[*domain.ValidationError](t, err)
	assert.Equal(t, "review_window_ends_at", ve.Field)

	h.clock.Advance(24 * time.Hour)
	tx, err = h.svc.Release(ctx, tx.ID, domain.SystemCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, tx.Status)
}

func TestPermissionDeniedNamesTheTriple(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())

	_, err := h.svc.Release(ctx, tx.ID, seller)
	pd := errAs[*domain.PermissionDeniedError](t, err)
	assert.Equal(t, domain.StatusProofSubmitted, pd.Status)
	assert.Equal(t, domain.RoleSeller, pd.Role)
	assert.Equal(t, domain.ActionRelease, pd.Action)

	_, err = h.svc.Release(ctx, tx.ID, admin)
	pd = errAs[*domain.PermissionDeniedError](t, err)
	assert.Equal(t, domain.RoleAdmin, pd.Role)

	_, err = h.svc.Get(ctx, tx.ID, domain.Caller{UserID: "stranger"})
	pd = errAs[*domain.PermissionDeniedError](t, err)
	assert.Equal(t, domain.RoleNone, pd.Role)
}

func TestGetListsAllowedActions(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())

	view, err := h.svc.Get(ctx, tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleBuyer, view.Role)
	assert.Contains(t, view.AllowedActions, domain.ActionRelease)
	assert.Contains(t, view.AllowedActions, domain.ActionOpenDispute)

	view, err = h.svc.Get(ctx, tx.ID, seller)
	require.NoError(t, err)
	assert.NotContains(t, view.AllowedActions, domain.ActionRelease)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(in *CreateInput){
		"seller_id": func(in *CreateInput) { in.SellerID = buyer.UserID },
		"item_type": func(in *CreateInput) { in.ItemType = "BOAT" },
		"currency":  func(in *CreateInput) { in.Currency = "dollars" },
		"subtotal":  func(in *CreateInput) { in.Subtotal = dec("-1") },
		"milestones": func(in *CreateInput) {
			in.Milestones = []MilestoneInput{{Amount: dec("100")}, {Amount: dec("100")}}
		},
		"event_date": func(in *CreateInput) { in.ItemType = domain.ItemTickets },
		"event_timezone": func(in *CreateInput) {
			at := time.Now().Add(48 * time.Hour)
			in.ItemType, in.EventDate, in.EventTimezone = domain.ItemTickets, &at, "Mars/Olympus"
		},
	}
	for field, mutate := range cases {
		in := digitalDeal()
		mutate(&in)
		_, err := h.svc.Create(ctx, buyer, in)
		ve := errAs[*domain.ValidationError](t, err)
		assert.Equal(t, field, ve.Field)
	}
}

func TestCreateAppliesFees(t *testing.T) {
	h := newHarness(t)
	in := digitalDeal()
	in.BuyerFee = domain.Percentage(dec("0.03"))
	tx := h.create(t, in)
	assert.Equal(t, domain.StatusAwaitingPayment, tx.Status)
	assert.Equal(t, "15.00", tx.BuyerFee.StringFixed(2))
	assert.True(t, tx.SellerFeeRate.Equal(dec("0.05")))
	assert.GreaterOrEqual(t, tx.DisplayID, int64(100000000))
	assert.False(t, tx.AllowsPartialRelease)
}

func TestCancelOnlyBeforeFunding(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, digitalDeal())
	tx, err := h.svc.Cancel(ctx, tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, tx.Status)
	assert.Empty(t, h.entries(t, tx.ID))

	funded := h.funded(t, digitalDeal())
	_, err = h.svc.Cancel(ctx, funded.ID, buyer)
	errAs[*domain.PermissionDeniedError](t, err)
}

func TestPayTimeoutIsReconciled(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, digitalDeal())
	h.sandbox.Delay("charge", 200*time.Millisecond)

	_, err := h.svc.Pay(ctx, tx.ID, buyer)
	xe := errAs[*domain.ExternalServiceError](t, err)
	assert.True(t, xe.Unknown)

	flagged := h.reload(t, tx.ID)
	assert.Equal(t, domain.StatusAwaitingPayment, flagged.Status)
	assert.Equal(t, domain.ReconcilePay, flagged.ReconcileAction)

	_, err = h.svc.Cancel(ctx, tx.ID, buyer)
	errAs[*domain.ValidationError](t, err)

	h.sandbox.Delay("charge", 0)
	tx, err = h.svc.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, tx.Status)
	assert.Empty(t, tx.ReconcileAction)
	assert.NotEmpty(t, tx.ChargeID)
}

func TestDeclinedChargeIsNotFlagged(t *testing.T) {
	h := newHarness(t)
	tx := h.create(t, digitalDeal())
	h.sandbox.FailNext("charge", payment.ErrDeclined)

	_, err := h.svc.Pay(ctx, tx.ID, buyer)
	xe := errAs[*domain.ExternalServiceError](t, err)
	assert.False(t, xe.Retryable)
	assert.Empty(t, h.reload(t, tx.ID).ReconcileAction)
}

func milestoneDeal() CreateInput {
	in := digitalDeal()
	in.ItemType = domain.ItemServices
	in.Milestones = []MilestoneInput{
		{Title: "design", Amount: dec("200"), RevisionLimit: 1},
		{Title: "build", Amount: dec("300")},
	}
	return in
}

func TestMilestoneReleaseTransitionsOnLast(t *testing.T) {
	h := newHarness(t)
	tx := h.funded(t, milestoneDeal())
	require.True(t, tx.AllowsPartialRelease)

	_, err := h.svc.SubmitMilestone(ctx, tx.ID, 0, seller)
	require.NoError(t, err)
	tx, err = h.svc.ReleaseMilestone(ctx, tx.ID, 0, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, tx.Status)
	assert.True(t, tx.Milestones[0].Released)

	_, err = h.svc.ReleaseMilestone(ctx, tx.ID, 0, buyer)
	errAs[*domain.AlreadyProcessedError](t, err)

	tx, err = h.svc.ReleaseMilestone(ctx, tx.ID, 1, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, tx.Status)

	assert.ElementsMatch(t, []string{"190.00", "285.00"}, amounts(h.entries(t, tx.ID)))
}

func TestFullReleaseOfMilestoneDealReleasesRemainder(t *testing.T) {
	h := newHarness(t)
	tx := h.funded(t, milestoneDeal())
	_, err := h.svc.ReleaseMilestone(ctx, tx.ID, 0, buyer)
	require.NoError(t, err)
	_, _, err = h.svc.UploadProof(ctx, tx.ID, seller, []vault.AssetInput{{Type: domain.AssetURL, Secret: "https://repo.example.com"}})
	require.NoError(t, err)

	tx, err = h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, tx.Status)
	assert.ElementsMatch(t, []string{"190.00", "285.00"}, amounts(h.entries(t, tx.ID)))
}

func TestRevisionLimit(t *testing.T) {
	h := newHarness(t)
	tx := h.funded(t, milestoneDeal())

	_, err := h.svc.RequestRevision(ctx, tx.ID, 0, buyer)
	errAs[*domain.ValidationError](t, err) // Not submitted yet

	_, err = h.svc.SubmitMilestone(ctx, tx.ID, 0, seller)
	require.NoError(t, err)
	tx, err = h.svc.RequestRevision(ctx, tx.ID, 0, buyer)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.Milestones[0].RevisionRequests)
	assert.Nil(t, tx.Milestones[0].ReviewWindowEndsAt)

	_, err = h.svc.SubmitMilestone(ctx, tx.ID, 0, seller)
	require.NoError(t, err)
	_, err = h.svc.RequestRevision(ctx, tx.ID, 0, buyer)
	ve := errAs[*domain.ValidationError](t, err)
	assert.Equal(t, "revision_requests", ve.Field)

	_, err = h.svc.ReleaseMilestone(ctx, tx.ID, 5, buyer)
	errAs[*domain.ValidationError](t, err)
}

func TestSystemReleasesExpiredMilestoneOnly(t *testing.T) {
	h := newHarness(t)
	tx := h.funded(t, milestoneDeal())
	_, err := h.svc.SubmitMilestone(ctx, tx.ID, 1, seller)
	require.NoError(t, err)

	_, err = h.svc.ReleaseMilestone(ctx, tx.ID, 1, domain.SystemCaller)
	errAs[*domain.ValidationError](t, err)

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.ReleaseMilestone(ctx, tx.ID, 0, domain.SystemCaller)
	errAs[*domain.ValidationError](t, err) // Never submitted
	tx, err = h.svc.ReleaseMilestone(ctx, tx.ID, 1, domain.SystemCaller)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFunded, tx.Status)
}

func summary() string {
	return strings.Repeat("The files were never delivered to my account. ", 5)
}

func textDispute(reason domain.DisputeReason) DisputeInput {
	return DisputeInput{
		Reason:              reason,
		Summary:             summary(),
		DeclarationAccepted: true,
		DeclarationText:     dispute.DefaultDeclaration,
		Evidence: []EvidenceInput{
			{Kind: domain.EvidenceText, Text: "seller stopped answering"},
			{Kind: domain.EvidenceLink, URL: "https://chat.example.com/thread/1"},
		},
	}
}

func TestResolveBuyerRefundsUnreleasedAmount(t *testing.T) {
	h := newHarness(t)
	in := digitalDeal()
	in.BuyerFee = domain.FixedAmount(dec("25"))
	tx := h.delivered(t, in)

	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeSubmitted, d.Status)
	assert.Len(t, d.Evidence, 2)
	held := h.reload(t, tx.ID)
	assert.Equal(t, domain.StatusDisputed, held.Status)
	assert.Equal(t, domain.StatusProofSubmitted, held.PreDisputeStatus)

	_, err = h.svc.Release(ctx, tx.ID, buyer)
	errAs[*domain.PermissionDeniedError](t, err)
	_, err = h.svc.ResolveBuyer(ctx, d.ID, buyer, "mine")
	errAs[*domain.PermissionDeniedError](t, err)
	_, err = h.svc.ResolveBuyer(ctx, d.ID, admin, "")
	errAs[*domain.ValidationError](t, err)

	d, err = h.svc.ResolveBuyer(ctx, d.ID, admin, "files did not match the listing")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolvedBuyer, d.Status)
	assert.NotNil(t, d.ResolvedAt)
	assert.Equal(t, domain.StatusResolved, h.reload(t, tx.ID).Status)

	entries := h.entries(t, tx.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryDebitRefund, entries[0].Type)
	assert.Equal(t, buyer.UserID, entries[0].UserID)
	assert.Equal(t, "525.00", entries[0].Amount.StringFixed(2))

	_, err = h.svc.Reject(ctx, d.ID, admin, "again")
	errAs[*domain.PermissionDeniedError](t, err) // Deal is no longer on hold
}

func TestRejectRestoresHoldAndStartsCooldown(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	h.clock.Advance(20 * time.Hour)

	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, d.ID, admin, "delivery matches the listing")
	require.NoError(t, err)
	restored := h.reload(t, tx.ID)
	assert.Equal(t, domain.StatusProofSubmitted, restored.Status)
	assert.Empty(t, restored.PreDisputeStatus)
	// The buyer's window opens once their cooldown is over
	assert.WithinDuration(t, h.clock.Now().Add(48*time.Hour), *restored.ReviewWindowEndsAt, time.Second)

	_, err = h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	ve := errAs[*domain.ValidationError](t, err)
	assert.Equal(t, "reason", ve.Field)

	h.clock.Advance(25 * time.Hour)
	_, err = h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)
}

func TestRequestInfoThenEvidence(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)

	d, err = h.svc.RequestInfo(ctx, d.ID, admin, "send screenshots")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeNeedsInfo, d.Status)

	_, err = h.svc.AddEvidence(ctx, d.ID, buyer, []EvidenceInput{{Kind: domain.EvidenceLink, URL: "ftp://nope"}})
	errAs[*domain.ValidationError](t, err)

	d, err = h.svc.AddEvidence(ctx, d.ID, buyer, []EvidenceInput{
		{Kind: domain.EvidenceFile, Filename: "shot.png", ContentType: "image/png", Data: []byte("png")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeUnderReview, d.Status)

	d, err = h.svc.GetDispute(ctx, d.ID, seller)
	require.NoError(t, err)
	assert.Len(t, d.Evidence, 3)
	require.Len(t, d.Actions, 3)
	assert.Equal(t, domain.ActionOpenDispute, d.Actions[0].Action)
	assert.Equal(t, domain.ActionRequestInfo, d.Actions[1].Action)
	assert.Equal(t, "send screenshots", d.Actions[1].Note)
	assert.Equal(t, domain.DisputeNeedsInfo, d.Actions[2].FromStatus)
	assert.Equal(t, domain.StatusDisputed, h.reload(t, tx.ID).Status)
}

func TestOnlyOpenerAnswersInfoRequest(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)
	_, err = h.svc.RequestInfo(ctx, d.ID, admin, "send screenshots")
	require.NoError(t, err)

	_, err = h.svc.AddEvidence(ctx, d.ID, seller, []EvidenceInput{{Kind: domain.EvidenceText, Text: "buyer has the files"}})
	pe := errAs[*domain.PermissionDeniedError](t, err)
	assert.Equal(t, domain.RoleSeller, pe.Role)
	assert.Equal(t, domain.ActionAddEvidence, pe.Action)

	d, err = h.svc.GetDispute(ctx, d.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeNeedsInfo, d.Status)
	assert.Len(t, d.Evidence, 2)

	d, err = h.svc.AddEvidence(ctx, d.ID, buyer, []EvidenceInput{{Kind: domain.EvidenceText, Text: "screenshot of the empty folder"}})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeUnderReview, d.Status)

	// Under review, either party may add to the record
	d, err = h.svc.AddEvidence(ctx, d.ID, seller, []EvidenceInput{{Kind: domain.EvidenceText, Text: "download log attached"}})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeUnderReview, d.Status)
	assert.Len(t, d.Evidence, 4)
}

func TestSellerDisputeDoesNotStartBuyerCooldown(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())

	d, err := h.svc.OpenDispute(ctx, tx.ID, seller, textDispute(domain.ReasonOther))
	require.NoError(t, err)
	_, err = h.svc.Reject(ctx, d.ID, admin, "nothing to decide")
	require.NoError(t, err)
	restored := h.reload(t, tx.ID)
	assert.WithinDuration(t, h.clock.Now().Add(24*time.Hour), *restored.ReviewWindowEndsAt, time.Second)

	h.clock.Advance(time.Hour)
	_, err = h.svc.OpenDispute(ctx, tx.ID, seller, textDispute(domain.ReasonOther))
	ve := errAs[*domain.ValidationError](t, err)
	assert.Contains(t, ve.Reason, "closed recently")

	d, err = h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotAsDescribed))
	require.NoError(t, err)
	assert.Equal(t, domain.RoleBuyer, d.OpenedByRole)
}

func TestFailedDisputeWriteLogsOrphanedBlobs(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	hook := logtest.NewGlobal()
	t.Cleanup(func() { logrus.StandardLogger().ReplaceHooks(logrus.LevelHooks{}) })
	require.NoError(t, h.db.Callback().Create().Before("gorm:create").Register("test:fail_disputes", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "disputes" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	in := textDispute(domain.ReasonNotAsDescribed)
	in.Evidence = []EvidenceInput{{Kind: domain.EvidenceFile, Filename: "empty.png", ContentType: "image/png", Data: []byte("png")}}
	_, err := h.svc.OpenDispute(ctx, tx.ID, buyer, in)
	require.Error(t, err)
	assert.Equal(t, domain.StatusProofSubmitted, h.reload(t, tx.ID).Status)

	var logged *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Evidence blobs orphaned" {
			logged = e
		}
	}
	require.NotNil(t, logged)
	assert.Equal(t, logrus.WarnLevel, logged.Level)
	assert.Equal(t, tx.ID, logged.Data["transaction_id"])
	refs, ok := logged.Data["blob_refs"].([]string)
	require.True(t, ok)
	require.Len(t, refs, 1)
	assert.Contains(t, refs[0], tx.ID)
}

func TestHandlersAcceptLegacyStatuses(t *testing.T) {
	cases := []struct {
		name   string
		legacy domain.Status
		setup  func(h *harness, t *testing.T) *domain.Transaction
		run    func(h *harness, id string) (*domain.Transaction, error)
		want   domain.Status
	}{
		{
			name:   "pay a draft",
			legacy: domain.StatusDraft,
			setup:  func(h *harness, t *testing.T) *domain.Transaction { return h.create(t, digitalDeal()) },
			run:    func(h *harness, id string) (*domain.Transaction, error) { return h.svc.Pay(ctx, id, buyer) },
			want:   domain.StatusFunded,
		},
		{
			name:   "cancel a draft",
			legacy: domain.StatusDraft,
			setup:  func(h *harness, t *testing.T) *domain.Transaction { return h.create(t, digitalDeal()) },
			run:    func(h *harness, id string) (*domain.Transaction, error) { return h.svc.Cancel(ctx, id, buyer) },
			want:   domain.StatusCanceled,
		},
		{
			name:   "proof while awaiting shipment",
			legacy: domain.StatusAwaitingShipment,
			setup:  func(h *harness, t *testing.T) *domain.Transaction { return h.funded(t, digitalDeal()) },
			run:    uploadTracking,
			want:   domain.StatusProofSubmitted,
		},
		{
			name:   "proof while in transit",
			legacy: domain.StatusInTransit,
			setup:  func(h *harness, t *testing.T) *domain.Transaction { return h.funded(t, digitalDeal()) },
			run:    uploadTracking,
			want:   domain.StatusProofSubmitted,
		},
		{
			name:   "release while delivered pending release",
			legacy: domain.StatusDeliveredPendingRelease,
			setup:  func(h *harness, t *testing.T) *domain.Transaction { return h.delivered(t, digitalDeal()) },
			run:    func(h *harness, id string) (*domain.Transaction, error) { return h.svc.Release(ctx, id, buyer) },
			want:   domain.StatusReleased,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tx := tc.setup(h, t)
			require.NoError(t, h.db.Model(&domain.Transaction{}).Where("id = ?", tx.ID).Update("status", tc.legacy).Error)
			require.Equal(t, tc.legacy, h.reload(t, tx.ID).Status)

			got, err := tc.run(h, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			assert.Equal(t, tc.want, h.reload(t, tx.ID).Status)
		})
	}

	t.Run("legacy status still denies the wrong role", func(t *testing.T) {
		h := newHarness(t)
		tx := h.delivered(t, digitalDeal())
		require.NoError(t, h.db.Model(&domain.Transaction{}).Where("id = ?", tx.ID).
			Update("status", domain.StatusDeliveredPendingRelease).Error)
		_, err := h.svc.Release(ctx, tx.ID, seller)
		pe := errAs[*domain.PermissionDeniedError](t, err)
		assert.Equal(t, domain.StatusDeliveredPendingRelease, pe.Status)
	})
}

func uploadTracking(h *harness, id string) (*domain.Transaction, error) {
	tx, _, err := h.svc.UploadProof(ctx, id, seller, []vault.AssetInput{
		{Type: domain.AssetTracking, Label: "carrier", Secret: "1Z999AA10123456784"},
	})
	return tx, err
}

func TestTicketDisputeAfterEventFails(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now().Add(2 * time.Hour)
	in := digitalDeal()
	in.ItemType, in.EventDate, in.EventTimezone = domain.ItemTickets, &at, "Europe/Berlin"
	tx := h.funded(t, in)

	h.clock.Advance(3 * time.Hour)
	_, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotReceived))
	ve := errAs[*domain.ValidationError](t, err)
	assert.Equal(t, "event_date", ve.Field)
	assert.Equal(t, domain.StatusFunded, h.reload(t, tx.ID).Status)
}

func TestTicketDisputeBeforeEventIsUrgent(t *testing.T) {
	h := newHarness(t)
	at := h.clock.Now().Add(4 * time.Hour)
	in := digitalDeal()
	in.ItemType, in.EventDate, in.EventTimezone = domain.ItemTickets, &at, "America/New_York"
	tx := h.funded(t, in)

	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotReceived))
	require.NoError(t, err)
	assert.True(t, d.Urgent)
	assert.Contains(t, d.Flags, dispute.FlagEventImminent)
	assert.Equal(t, domain.PriorityHigh, d.Priority)
}

func TestRevealedLicenseKeyIsAutoTriaged(t *testing.T) {
	h := newHarness(t)
	in := digitalDeal()
	in.ItemType = domain.ItemLicenseKeys
	tx := h.funded(t, in)
	_, assets, err := h.svc.UploadProof(ctx, tx.ID, seller, []vault.AssetInput{{Type: domain.AssetLicenseKey, Secret: "AAAA-BBBB-CCCC"}})
	require.NoError(t, err)
	_, err = h.vault.Reveal(ctx, assets[0].ID, buyer)
	require.NoError(t, err)

	d, err := h.svc.OpenDispute(ctx, tx.ID, buyer, textDispute(domain.ReasonNotReceived))
	require.NoError(t, err)
	assert.Equal(t, domain.TriageAutoReject, d.AutoTriageDecision)
	assert.Equal(t, domain.PriorityLow, d.Priority)
	assert.NotEmpty(t, d.AutoTriageRationale)
	assert.Contains(t, d.Flags, dispute.FlagProofRecentlyUploaded)

	page, err := h.svc.DisputeQueue(ctx, admin, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Disputes, 1)
	assert.Equal(t, d.ID, page.Disputes[0].ID)

	_, err = h.svc.DisputeQueue(ctx, buyer, 1, 10)
	errAs[*domain.PermissionDeniedError](t, err)
}

func TestSellerMayOnlyDisputeWithOther(t *testing.T) {
	h := newHarness(t)
	tx := h.funded(t, digitalDeal())
	_, err := h.svc.OpenDispute(ctx, tx.ID, seller, textDispute(domain.ReasonNotAsDescribed))
	ve := errAs[*domain.ValidationError](t, err)
	assert.Equal(t, "reason", ve.Field)

	d, err := h.svc.OpenDispute(ctx, tx.ID, seller, textDispute(domain.ReasonOther))
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSeller, d.OpenedByRole)
}

func TestPayoutLifecycle(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	_, err := h.svc.SchedulePayout(ctx, tx.ID)
	errAs[*domain.PermissionDeniedError](t, err) // Not released yet

	_, err = h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	tx, err = h.svc.SchedulePayout(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPayoutScheduled, tx.Status)
	assert.NotEmpty(t, tx.PayoutID)

	_, err = h.svc.SchedulePayout(ctx, tx.ID)
	errAs[*domain.AlreadyProcessedError](t, err)

	tx, err = h.svc.ConfirmPayout(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaidOut, tx.Status)

	wallets := ledger.Balance(seller.UserID, h.entries(t, tx.ID), time.Now().Add(time.Hour))
	require.Len(t, wallets, 1)
	assert.True(t, wallets[0].AvailableBalance.IsZero(), wallets[0].AvailableBalance.String())
}

func TestPendingPayoutStaysScheduled(t *testing.T) {
	h := newHarness(t)
	h.sandbox.SettleAfter = time.Hour
	tx := h.delivered(t, digitalDeal())
	_, err := h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	_, err = h.svc.SchedulePayout(ctx, tx.ID)
	require.NoError(t, err)

	tx, err = h.svc.ConfirmPayout(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPayoutScheduled, tx.Status)
}

func TestFailedPayoutIsReversedAndRetried(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	_, err := h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	tx, err = h.svc.SchedulePayout(ctx, tx.ID)
	require.NoError(t, err)
	first := tx.PayoutID
	h.sandbox.FailPayout(first)

	tx, err = h.svc.ConfirmPayout(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, tx.Status)
	assert.Equal(t, domain.ReconcilePayout, tx.ReconcileAction)

	tx, err = h.svc.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPayoutScheduled, tx.Status)
	assert.NotEqual(t, first, tx.PayoutID)
	assert.Empty(t, tx.ReconcileAction)

	var withdrawals int
	for _, e := range h.entries(t, tx.ID) {
		if e.Type == domain.EntryDebitWithdrawal {
			withdrawals++
		}
	}
	assert.Equal(t, 2, withdrawals)
	wallets := ledger.Balance(seller.UserID, h.entries(t, tx.ID), time.Now().Add(time.Hour))
	assert.True(t, wallets[0].AvailableBalance.IsZero())
}

func TestUnavailablePayoutIsFlagged(t *testing.T) {
	h := newHarness(t)
	tx := h.delivered(t, digitalDeal())
	_, err := h.svc.Release(ctx, tx.ID, buyer)
	require.NoError(t, err)
	h.sandbox.FailNext("payout", payment.ErrUnavailable, payment.ErrUnavailable)

	_, err = h.svc.SchedulePayout(ctx, tx.ID)
	xe := errAs[*domain.ExternalServiceError](t, err)
	assert.True(t, xe.Retryable)
	flagged := h.reload(t, tx.ID)
	assert.Equal(t, domain.StatusReleased, flagged.Status)
	assert.Equal(t, domain.ReconcilePayout, flagged.ReconcileAction)

	tx, err = h.svc.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPayoutScheduled, tx.Status)
}

func TestChargeback(t *testing.T) {
	h := newHarness(t)
	unfunded := h.create(t, digitalDeal())
	_, err := h.svc.Chargeback(ctx, unfunded.ID, admin, ChargebackInput{Amount: dec("10"), Note: "cb"})
	errAs[*domain.ValidationError](t, err)

	tx := h.funded(t, digitalDeal())
	_, err = h.svc.Chargeback(ctx, tx.ID, buyer, ChargebackInput{Amount: dec("10"), Note: "cb"})
	errAs[*domain.PermissionDeniedError](t, err)

	in := ChargebackInput{Amount: dec("100"), Note: "card holder dispute", IdempotencyKey: "dp_1"}
	entry, err := h.svc.Chargeback(ctx, tx.ID, admin, in)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryDebitChargeback, entry.Type)
	assert.Equal(t, seller.UserID, entry.UserID)
	assert.Equal(t, "-100.00", entry.Amount.StringFixed(2))
	assert.Equal(t, domain.StatusFunded, h.reload(t, tx.ID).Status)

	_, err = h.svc.Chargeback(ctx, tx.ID, admin, in)
	errAs[*domain.AlreadyProcessedError](t, err)
}
