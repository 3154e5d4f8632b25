package lifecycle

import (
	"errors"
	"testing"
)

func TestNext_LegalEdges(t *testing.T) {
	tests := []struct {
		current string
		event   Event
		want    string
	}{
		{StatusPendingReview, EventApproved, StatusQualified},
		{StatusPendingReview, EventRejected, StatusRejected},
		{StatusQualified, EventApproved, StatusQualified},
		{StatusQualified, EventInterested, StatusNegotiating},
		{StatusQualified, EventQuestion, StatusNegotiating},
		{StatusQualified, EventNotInterested, StatusRejected},
		{StatusQualified, EventRejected, StatusRejected},
		{StatusNegotiating, EventInterested, StatusNegotiating},
		{StatusNegotiating, EventQuestion, StatusNegotiating},
		{StatusNegotiating, EventNotInterested, StatusRejected},
		{StatusNegotiating, EventActivated, StatusActive},
		{StatusNegotiating, EventRejected, StatusRejected},
	}

	for _, tt := range tests {
		got, err := Next(tt.current, tt.event)
		if err != nil {
			t.Errorf("Next(%s, %s) error: %v", tt.current, tt.event, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Next(%s, %s) = %s, want %s", tt.current, tt.event, got, tt.want)
		}
	}
}

func TestNext_IllegalEdges(t *testing.T) {
	tests := []struct {
		current string
		event   Event
	}{
		{StatusPendingReview, EventActivated},
		{StatusPendingReview, EventInterested},
		{StatusQualified, EventActivated},
		{StatusNegotiating, EventApproved},
		{StatusActive, EventApproved},
		{StatusActive, EventInterested},
		{StatusRejected, EventApproved},
		{StatusRejected, EventActivated},
	}

	for _, tt := range tests {
		_, err := Next(tt.current, tt.event)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s, %s) = %v, want ErrInvalidTransition", tt.current, tt.event, err)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []string{StatusActive, StatusRejected} {
		if !Terminal(status) {
			t.Errorf("Terminal(%s) = false, want true", status)
		}
	}
	for _, status := range []string{StatusPendingReview, StatusQualified, StatusNegotiating} {
		if Terminal(status) {
			t.Errorf("Terminal(%s) = true, want false", status)
		}
	}
}

// Replies that keep a vendor in NEGOTIATING are legal but change nothing;
// callers use next == current to suppress the status-change record.
func TestNext_SelfLoopIsNotAChange(t *testing.T) {
	next, err := Next(StatusNegotiating, EventQuestion)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next != StatusNegotiating {
		t.Fatalf("next = %s, want NEGOTIATING", next)
	}
}
