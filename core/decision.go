package core

// ReviewDecision is the user's answer to an approval request. The zero value
// is Denied so an unanswered request never runs anything.
type ReviewDecision string

const (
	// DecisionDenied rejects the call; the model is told and may continue.
	DecisionDenied ReviewDecision = "denied"
	// DecisionApproved runs the call once.
	DecisionApproved ReviewDecision = "approved"
	// DecisionApprovedForSession runs the call and skips the prompt for the
	// same command for the rest of the session.
	DecisionApprovedForSession ReviewDecision = "approved_for_session"
	// DecisionAbort rejects the call and stops the turn.
	DecisionAbort ReviewDecision = "abort"
)

// Approved reports whether the decision allows the call to run.
func (d ReviewDecision) Approved() bool {
	return d == DecisionApproved || d == DecisionApprovedForSession
}

// Normalize maps unknown or empty values to DecisionDenied.
func (d ReviewDecision) Normalize() ReviewDecision {
	switch d {
	case DecisionApproved, DecisionApprovedForSession, DecisionAbort:
		return d
	default:
		return DecisionDenied
	}
}
