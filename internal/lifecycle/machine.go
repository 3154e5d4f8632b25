// Package lifecycle defines the vendor engagement state machine as a pure
// transition function. All trigger sites (manual approval, send completion,
// inbound-reply classification) go through Next so the legal edges live in
// exactly one place and are testable without I/O.
package lifecycle

import (
	"errors"
	"fmt"
)

// Vendor pipeline statuses.
const (
	StatusPendingReview = "PENDING_REVIEW"
	StatusQualified     = "QUALIFIED"
	StatusNegotiating   = "NEGOTIATING"
	StatusActive        = "ACTIVE"
	StatusRejected      = "REJECTED"
)

// Outreach statuses (secondary axis).
const (
	OutreachPending      = "PENDING"
	OutreachSent         = "SENT"
	OutreachNeedsContact = "NEEDS_CONTACT"
)

// Events that can move a vendor through the pipeline.
type Event string

const (
	EventApproved      Event = "approved"
	EventRejected      Event = "rejected"
	EventActivated     Event = "activated"
	EventInterested    Event = "reply_interested"
	EventQuestion      Event = "reply_question"
	EventNotInterested Event = "reply_not_interested"
)

// ErrInvalidTransition is returned when an event is not legal from the
// current status. Callers decide whether that is an error (manual triggers)
// or a logged no-op (inbound replies to a terminal vendor).
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[string]map[Event]string{
	StatusPendingReview: {
		EventApproved: StatusQualified,
		EventRejected: StatusRejected,
	},
	StatusQualified: {
		// Re-approval is legal: it re-enters outreach for vendors parked
		// in NEEDS_CONTACT once contact details are filled in.
		EventApproved:      StatusQualified,
		EventInterested:    StatusNegotiating,
		EventQuestion:      StatusNegotiating,
		EventNotInterested: StatusRejected,
		EventRejected:      StatusRejected,
	},
	StatusNegotiating: {
		// Further interested/question replies keep the vendor in the
		// human-in-the-loop bucket; that is a no-op, not a transition.
		EventInterested:    StatusNegotiating,
		EventQuestion:      StatusNegotiating,
		EventNotInterested: StatusRejected,
		EventActivated:     StatusActive,
		EventRejected:      StatusRejected,
	},
	// ACTIVE and REJECTED are terminal.
}

// Next returns the status that follows current when event fires. It returns
// ErrInvalidTransition when the edge does not exist. When next == current the
// event was legal but changed nothing; callers must not log a STATUS_CHANGE
// for it.
func Next(current string, event Event) (string, error) {
	edges, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}
	next, ok := edges[event]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
	}
	return next, nil
}

// Terminal reports whether a status has no outgoing edges.
func Terminal(status string) bool {
	_, ok := transitions[status]
	return !ok
}
