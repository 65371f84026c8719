package jobs

import "slices"

// transitions lists the legal edges of the job lifecycle. Terminal
// statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusRunning, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Outcome carries the payload of a transition. Completed jobs need a
// Result; failed and cancelled jobs need an Error. Note becomes the
// progress message of non-terminal transitions.
type Outcome struct {
	Result map[string]any
	Error  string
	Code   ErrorCode
	Note   string
}

func (o Outcome) validate(to Status) error {
	switch to {
	case StatusCompleted:
		if o.Result == nil || o.Error != "" {
			return ErrInvalidOutcome
		}
	case StatusFailed, StatusCancelled:
		if o.Error == "" || o.Result != nil {
			return ErrInvalidOutcome
		}
	default:
		if o.Result != nil || o.Error != "" {
			return ErrInvalidOutcome
		}
	}
	return nil
}
