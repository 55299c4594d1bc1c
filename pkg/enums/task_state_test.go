package enums

import "testing"

func TestTaskStateTransitions(t *testing.T) {
	cases := []struct {
		from TaskState
		to   TaskState
		want bool
	}{
		{TaskStateSubmitted, TaskStateWorking, true},
		{TaskStateSubmitted, TaskStateCompleted, false},
		{TaskStateWorking, TaskStateInputRequired, true},
		{TaskStateWorking, TaskStateCompleted, true},
		{TaskStateInputRequired, TaskStateWorking, true},
		{TaskStateInputRequired, TaskStateCompleted, false},
		{TaskStateCompleted, TaskStateWorking, false},
		{TaskStateCanceled, TaskStateWorking, false},
		{TaskStateFailed, TaskStateCanceled, false},
		{TaskStateWorking, TaskState("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("%s -> %s: expected %v got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestTaskStateCancelable(t *testing.T) {
	for _, s := range []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired} {
		if !s.IsCancelable() {
			t.Fatalf("%s should be cancelable", s)
		}
	}
	for _, s := range []TaskState{TaskStateCompleted, TaskStateCanceled, TaskStateFailed} {
		if s.IsCancelable() {
			t.Fatalf("%s should not be cancelable", s)
		}
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseTaskState("input-required"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseTaskState("created"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if got, err := ParsePaymentMethodType("card"); err != nil || got != PaymentMethodTypeCard {
		t.Fatalf("expected CARD, got %q err=%v", got, err)
	}
	if _, err := ParseChallengeMode("sms"); err == nil {
		t.Fatal("expected error for unknown challenge mode")
	}
}
