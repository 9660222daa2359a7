package dispute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rift_escrow/internal/domain"
)

func TestTriageAutoRejectsRevealedLicenseKey(t *testing.T) {
	res := DefaultTriage().Evaluate(domain.ReasonNotReceived, domain.RoleBuyer, Facts{ProofSubmitted: true, LicenseKeyRevealed: true})
	assert.Equal(t, domain.TriageAutoReject, res.Decision)
	assert.InDelta(t, 0.6, res.Score, 1e-9)
	require.Len(t, res.Rationale, 1)
	assert.Contains(t, res.Rationale[0], "license key")
}

func TestTriageNeedsReviewBelowThreshold(t *testing.T) {
	res := DefaultTriage().Evaluate(domain.ReasonNotReceived, domain.RoleBuyer, Facts{ProofSubmitted: true, BuyerDownloads: 2})
	assert.Equal(t, domain.TriageNeedsReview, res.Decision)
	assert.Len(t, res.Rationale, 1)
}

func TestTriageMissingProofPullsScoreDown(t *testing.T) {
	res := DefaultTriage().Evaluate(domain.ReasonNotReceived, domain.RoleBuyer, Facts{LicenseKeyRevealed: true})
	assert.Equal(t, domain.TriageNeedsReview, res.Decision)
	assert.InDelta(t, 0.1, res.Score, 1e-9)
	assert.Len(t, res.Rationale, 2)
}

func TestTriageSkipsOtherReasons(t *testing.T) {
	res := DefaultTriage().Evaluate(domain.ReasonNotAsDescribed, domain.RoleBuyer, Facts{ProofSubmitted: true, LicenseKeyRevealed: true})
	assert.Equal(t, domain.TriageNeedsReview, res.Decision)
	assert.Empty(t, res.Rationale)

	res = DefaultTriage().Evaluate(domain.ReasonNotReceived, domain.RoleSeller, Facts{LicenseKeyRevealed: true})
	assert.Equal(t, domain.TriageNeedsReview, res.Decision)
}

func TestPriority(t *testing.T) {
	assert.Equal(t, domain.PriorityNormal, Priority(false, domain.TriageNeedsReview))
	assert.Equal(t, domain.PriorityHigh, Priority(true, domain.TriageNeedsReview))
	assert.Equal(t, domain.PriorityLow, Priority(false, domain.TriageAutoReject))
	assert.Equal(t, domain.PriorityNormal, Priority(true, domain.TriageAutoReject))
}

func TestNext(t *testing.T) {
	cases := []struct {
		from   domain.DisputeStatus
		action domain.Action
		to     domain.DisputeStatus
	}{
		{domain.DisputeSubmitted, domain.ActionRequestInfo, domain.DisputeNeedsInfo},
		{domain.DisputeNeedsInfo, domain.ActionAddEvidence, domain.DisputeUnderReview},
		{domain.DisputeSubmitted, domain.ActionAddEvidence, domain.DisputeSubmitted},
		{domain.DisputeUnderReview, domain.ActionResolveBuyer, domain.DisputeResolvedBuyer},
		{domain.DisputeNeedsInfo, domain.ActionResolveSeller, domain.DisputeResolvedSeller},
		{domain.DisputeSubmitted, domain.ActionRejectDispute, domain.DisputeRejected},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.action)
		require.NoError(t, err)
		assert.Equal(t, tc.to, got)
	}

	for _, closed := range []domain.DisputeStatus{domain.DisputeResolvedBuyer, domain.DisputeResolvedSeller, domain.DisputeRejected} {
		_, err := Next(closed, domain.ActionRequestInfo)
		var it *domain.InvalidTransitionError
		assert.True(t, errors.As(err, &it), closed)
	}

	_, err := Next(domain.DisputeSubmitted, domain.ActionRelease)
	assert.Error(t, err)
}

func TestEveryWeightedRuleCanFire(t *testing.T) {
	cfg := DefaultTriage()
	for name := range cfg.Weights {
		assert.True(t, KnownRule(name), name)
	}
	assert.False(t, KnownRule("buyer_acknowledged_receipt"))

	all := cfg.Evaluate(domain.ReasonNotReceived, domain.RoleBuyer,
		Facts{ProofSubmitted: true, TrackingProvided: true, LicenseKeyRevealed: true, BuyerDownloads: 1})
	none := cfg.Evaluate(domain.ReasonNotReceived, domain.RoleBuyer, Facts{})
	assert.Len(t, append(all.Rationale, none.Rationale...), len(cfg.Weights))
	assert.InDelta(t, 1.3, all.Score, 1e-9)
	assert.InDelta(t, -0.5, none.Score, 1e-9)
}
