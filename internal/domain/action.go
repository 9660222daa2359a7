package domain

// Action is a role-gated operation on a transaction
type Action string

// Actions consulted against the permission engine
const (
	ActionView             Action = "view"
	ActionPay              Action = "pay"
	ActionCancel           Action = "cancel"
	ActionUploadProof      Action = "upload-proof"
	ActionBeginReview      Action = "begin-review"
	ActionRelease          Action = "release"
	ActionSubmitMilestone  Action = "submit-milestone"
	ActionRequestRevision  Action = "request-revision"
	ActionReleaseMilestone Action = "release-milestone"
	ActionOpenDispute      Action = "open-dispute"
	ActionAddEvidence      Action = "add-dispute-evidence"
	ActionViewVault        Action = "view-vault"
	ActionRevealAsset      Action = "reveal-asset"
	ActionRequestInfo      Action = "request-info"
	ActionResolveBuyer     Action = "resolve-buyer"
	ActionResolveSeller    Action = "resolve-seller"
	ActionRejectDispute    Action = "reject"
	ActionSchedulePayout   Action = "schedule-payout"
	ActionConfirmPayout    Action = "confirm-payout"
)
