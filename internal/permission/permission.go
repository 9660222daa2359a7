// Package permission decides which actions a role may take on a transaction in a given status.
//
// It is the only place that knows how statuses map to eligible actions. Legacy
// status spellings are folded onto their canonical status before lookup, so a
// query through an alias always answers the same as the canonical status.
package permission

import (
	"fmt"
	"sort"

	"rift_escrow/internal/domain"
)

// Decision is the structured outcome of a permission lookup
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Status    domain.Status `json:"status"`    // As queried
	Canonical domain.Status `json:"canonical"` // After alias folding
	Role      domain.Role   `json:"role"`
	Action    domain.Action `json:"action"`
	Reason    string        `json:"reason"`
}

// Err converts a denied decision into a typed error; nil when allowed
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.PermissionDeniedError{Status: d.Status, Role: d.Role, Action: d.Action, Reason: d.Reason}
}

var aliases = map[domain.Status]domain.Status{
	domain.StatusDraft:                   domain.StatusAwaitingPayment,
	domain.StatusCancelled:               domain.StatusCanceled,
	domain.StatusAwaitingShipment:        domain.StatusFunded,
	domain.StatusInTransit:               domain.StatusFunded,
	domain.StatusDeliveredPendingRelease: domain.StatusUnderReview,
	domain.StatusRefunded:                domain.StatusResolved,
}

type actionSet map[domain.Action]struct{}

func set(actions ...domain.Action) actionSet {
	s := make(actionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

// Shorthands for the table below
const (
	view      = domain.ActionView
	viewVault = domain.ActionViewVault
	reveal    = domain.ActionRevealAsset
)

var adminDispute = []domain.Action{
	view, viewVault, reveal,
	domain.ActionRequestInfo, domain.ActionResolveBuyer, domain.ActionResolveSeller, domain.ActionRejectDispute,
}

var table = map[domain.Status]map[domain.Role]actionSet{
	domain.StatusAwaitingPayment: {
		domain.RoleBuyer:  set(view, domain.ActionPay, domain.ActionCancel),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view),
	},
	domain.StatusFunded: {
		domain.RoleBuyer: set(view, domain.ActionOpenDispute,
			domain.ActionReleaseMilestone, domain.ActionRequestRevision),
		domain.RoleSeller: set(view, viewVault, domain.ActionUploadProof, domain.ActionSubmitMilestone, domain.ActionOpenDispute),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view, domain.ActionReleaseMilestone),
	},
	domain.StatusProofSubmitted: {
		domain.RoleBuyer: set(view, viewVault, reveal, domain.ActionBeginReview, domain.ActionRelease,
			domain.ActionReleaseMilestone, domain.ActionRequestRevision, domain.ActionOpenDispute),
		domain.RoleSeller: set(view, viewVault, domain.ActionSubmitMilestone, domain.ActionOpenDispute),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view, domain.ActionRelease, domain.ActionReleaseMilestone),
	},
	domain.StatusUnderReview: {
		domain.RoleBuyer: set(view, viewVault, reveal, domain.ActionRelease,
			domain.ActionReleaseMilestone, domain.ActionRequestRevision, domain.ActionOpenDispute),
		domain.RoleSeller: set(view, viewVault, domain.ActionSubmitMilestone, domain.ActionOpenDispute),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view, domain.ActionRelease, domain.ActionReleaseMilestone),
	},
	domain.StatusReleased: {
		domain.RoleBuyer:  set(view, viewVault, reveal),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view, domain.ActionSchedulePayout),
	},
	domain.StatusPayoutScheduled: {
		domain.RoleBuyer:  set(view, viewVault, reveal),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view, domain.ActionConfirmPayout),
	},
	domain.StatusPaidOut: {
		domain.RoleBuyer:  set(view, viewVault, reveal),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view),
	},
	domain.StatusDisputed: {
		domain.RoleBuyer:  set(view, domain.ActionAddEvidence),
		domain.RoleSeller: set(view, viewVault, domain.ActionAddEvidence),
		domain.RoleAdmin:  set(adminDispute...),
		domain.RoleSystem: set(view),
	},
	domain.StatusResolved: {
		domain.RoleBuyer:  set(view),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view),
	},
	domain.StatusCanceled: {
		domain.RoleBuyer:  set(view),
		domain.RoleSeller: set(view, viewVault),
		domain.RoleAdmin:  set(view, viewVault, reveal),
		domain.RoleSystem: set(view),
	},
}

var terminal = map[domain.Status]bool{
	domain.StatusReleased: true,
	domain.StatusPaidOut:  true,
	domain.StatusCanceled: true,
	domain.StatusResolved: true,
}

// Canonical folds a legacy status onto its canonical equivalent; ok is false for unknown statuses
func Canonical(status domain.Status) (domain.Status, bool) {
	if c, ok := aliases[status]; ok {
		return c, true
	}
	_, ok := table[status]
	return status, ok
}

// Decide looks up (status, role, action)
func Decide(status domain.Status, role domain.Role, action domain.Action) Decision {
	d := Decision{Status: status, Role: role, Action: action}
	canonical, ok := Canonical(status)
	d.Canonical = canonical
	if !ok {
		d.Reason = fmt.Sprintf("unknown status %q", status)
		return d
	}
	actions, ok := table[canonical][role]
	if !ok {
		d.Reason = "caller is not a party to this transaction"
		return d
	}
	if _, ok := actions[action]; !ok {
		d.Reason = reasonFor(canonical, role, action)
		return d
	}
	d.Allowed = true
	d.Reason = "allowed"
	return d
}

// Allowed is Decide reduced to a bool
func Allowed(status domain.Status, role domain.Role, action domain.Action) bool {
	return Decide(status, role, action).Allowed
}

// AllowedActions lists every action the role may take in status, sorted
func AllowedActions(status domain.Status, role domain.Role) []domain.Action {
	canonical, ok := Canonical(status)
	if !ok {
		return nil
	}
	out := make([]domain.Action, 0, len(table[canonical][role]))
	for a := range table[canonical][role] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StatusesAllowing lists every stored status spelling, aliases included, in which role may take action.
// Jobs use it to build queries instead of hard-coding status strings.
func StatusesAllowing(role domain.Role, action domain.Action) []domain.Status {
	var out []domain.Status
	for status := range table {
		if _, ok := table[status][role][action]; ok {
			out = append(out, status)
		}
	}
	for alias, canonical := range aliases {
		if _, ok := table[canonical][role][action]; ok {
			out = append(out, alias)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsTerminal reports whether status accepts no further ordinary mutations
func IsTerminal(status domain.Status) bool {
	canonical, _ := Canonical(status)
	return terminal[canonical]
}

// IsReleased reports whether funds already left escrow towards the seller
func IsReleased(status domain.Status) bool {
	canonical, _ := Canonical(status)
	return canonical == domain.StatusReleased || canonical == domain.StatusPayoutScheduled || canonical == domain.StatusPaidOut
}

func reasonFor(status domain.Status, role domain.Role, action domain.Action) string {
	switch {
	case role == domain.RoleAdmin && (action == domain.ActionRelease || action == domain.ActionCancel):
		return "admins may not release or cancel on a party's behalf"
	case status == domain.StatusDisputed:
		return "transaction is frozen by an active dispute"
	case terminal[status]:
		return "transaction is in a terminal status"
	}
	return fmt.Sprintf("%s is not available to %s in status %s", action, role, status)
}
