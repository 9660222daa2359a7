package dispute

import (
	"fmt"
	"sort"

	"rift_escrow/internal/domain"
)

// Triage rule names; also the keys of TriageConfig.Weights
const (
	RuleLicenseKeyRevealed   = "license_key_revealed"
	RuleBuyerDownloadedProof = "buyer_downloaded_proof"
	RuleTrackingProvided     = "tracking_provided"
	RuleNoProofOnFile        = "no_proof_on_file"
)

// Facts are the system-known signals auto-triage evaluates
type Facts struct {
	ProofSubmitted     bool // Seller uploaded any vault asset
	TrackingProvided   bool // A TRACKING asset exists
	LicenseKeyRevealed bool // Buyer revealed a license key before disputing
	BuyerDownloads     int  // Signed URLs issued to the buyer for delivered files
}

// TriageConfig weights each rule; a dispute scoring at or above Threshold is auto-rejected
type TriageConfig struct {
	Threshold float64
	Weights   map[string]float64
}

// DefaultTriage returns the default weights
func DefaultTriage() TriageConfig {
	return TriageConfig{
		Threshold: 0.6,
		Weights: map[string]float64{
			RuleLicenseKeyRevealed:   0.6,
			RuleBuyerDownloadedProof: 0.5,
			RuleTrackingProvided:     0.2,
			RuleNoProofOnFile:        -0.5,
		},
	}
}

// KnownRule reports whether name is a triage rule
func KnownRule(name string) bool {
	_, ok := ruleText[name]
	return ok
}

// TriageResult is the auto-triage verdict
type TriageResult struct {
	Decision  string
	Score     float64
	Rationale []string
}

var ruleText = map[string]string{
	RuleLicenseKeyRevealed:   "buyer revealed the license key before disputing",
	RuleBuyerDownloadedProof: "buyer downloaded delivered files",
	RuleTrackingProvided:     "seller provided tracking information",
	RuleNoProofOnFile:        "no proof of delivery on file",
}

// Evaluate scores a dispute against the facts. Only "not received" style claims can be
// contradicted by delivery logs; other reasons always go to human review.
func (c TriageConfig) Evaluate(reason domain.DisputeReason, opener domain.Role, f Facts) TriageResult {
	res := TriageResult{Decision: domain.TriageNeedsReview}
	if opener != domain.RoleBuyer || reason != domain.ReasonNotReceived {
		return res
	}
	fired := map[string]bool{
		RuleLicenseKeyRevealed:   f.LicenseKeyRevealed,
		RuleBuyerDownloadedProof: f.BuyerDownloads > 0,
		RuleTrackingProvided:     f.TrackingProvided,
		RuleNoProofOnFile:        !f.ProofSubmitted,
	}
	names := make([]string, 0, len(fired))
	for name, ok := range fired {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w := c.Weights[name]
		res.Score += w
		res.Rationale = append(res.Rationale, fmt.Sprintf("%s (%+.2f)", ruleText[name], w))
	}
	if res.Score >= c.Threshold {
		res.Decision = domain.TriageAutoReject
	}
	return res
}

// Priority derives queue priority: urgent disputes start high, auto-reject lowers one step
func Priority(urgent bool, decision string) string {
	p := domain.PriorityNormal
	if urgent {
		p = domain.PriorityHigh
	}
	if decision == domain.TriageAutoReject {
		if p == domain.PriorityHigh {
			return domain.PriorityNormal
		}
		return domain.PriorityLow
	}
	return p
}
