package dispute

import "rift_escrow/internal/domain"

// Next returns the dispute status reached by applying action, or InvalidTransitionError.
// Resolved and rejected disputes accept nothing.
func Next(from domain.DisputeStatus, action domain.Action) (domain.DisputeStatus, error) {
	if !from.Active() {
		return from, &domain.InvalidTransitionError{From: string(from), To: string(action)}
	}
	switch action {
	case domain.ActionRequestInfo:
		return domain.DisputeNeedsInfo, nil
	case domain.ActionAddEvidence:
		if from == domain.DisputeNeedsInfo {
			return domain.DisputeUnderReview, nil
		}
		return from, nil
	case domain.ActionResolveBuyer:
		return domain.DisputeResolvedBuyer, nil
	case domain.ActionResolveSeller:
		return domain.DisputeResolvedSeller, nil
	case domain.ActionRejectDispute:
		return domain.DisputeRejected, nil
	}
	return from, &domain.InvalidTransitionError{From: string(from), To: string(action)}
}
