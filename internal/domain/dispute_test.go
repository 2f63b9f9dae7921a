package domain

import "testing"

func TestParseDisputeOutcome(t *testing.T) {
	got, err := ParseDisputeOutcome(" partial_refund")
	if err != nil || got != OutcomePartialRefund {
		t.Fatalf("expected PARTIAL_REFUND, got %q err=%v", got, err)
	}
	if _, err := ParseDisputeOutcome("SPLIT"); err == nil {
		t.Fatal("expected an error for an unknown outcome")
	}
}

func TestDisputeStates(t *testing.T) {
	cases := []struct {
		from, to DisputeState
		want     bool
	}{
		{DisputeOpen, DisputeInReview, true},
		{DisputeOpen, DisputeResolving, true},
		{DisputeOpen, DisputeResolved, false},
		{DisputeInReview, DisputeResolving, true},
		{DisputeResolving, DisputeResolved, true},
		{DisputeResolving, DisputeInReview, true},
		{DisputeResolving, DisputeOpen, false},
		{DisputeOpen, DisputeClosed, false},
		{DisputeInReview, DisputeInReview, true},
		{DisputeResolved, DisputeClosed, true},
		{DisputeResolved, DisputeOpen, false},
		{DisputeClosed, DisputeOpen, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	if DisputeResolved.Active() || !DisputeInReview.Active() || !DisputeResolving.Active() {
		t.Error("only OPEN, IN_REVIEW and RESOLVING disputes block release")
	}
}

func TestJoinRequestTerminal(t *testing.T) {
	if JoinRequestPending.Terminal() {
		t.Error("pending requests are not terminal")
	}
	for _, s := range []JoinRequestState{JoinRequestApproved, JoinRequestRejected, JoinRequestCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
