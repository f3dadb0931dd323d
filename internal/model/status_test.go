package model

import "testing"

func TestZeroValueStatusIsContinue(t *testing.T) {
	var s Status
	if s.Kind != StatusContinue {
		t.Fatalf("expected zero Status to be Continue, got %v", s.Kind)
	}
	if s.Sticky() {
		t.Fatal("Continue must not be sticky")
	}
	if s.IsDeny() {
		t.Fatal("Continue must not be a deny")
	}
}

func TestStickyKinds(t *testing.T) {
	sticky := []Status{Faccept(), Block(), Quarantine("spam"), Delegated("antivirus")}
	for _, s := range sticky {
		if !s.Sticky() {
			t.Errorf("expected %v to be sticky", s.Kind)
		}
	}
	notSticky := []Status{Continue(), Accept(), Deny("554")}
	for _, s := range notSticky {
		if s.Sticky() {
			t.Errorf("expected %v not to be sticky", s.Kind)
		}
	}
}

func TestDenyIsNotStickyButTerminates(t *testing.T) {
	d := Deny("550")
	if d.Sticky() {
		t.Fatal("Deny should not be sticky, it terminates the transaction instead")
	}
	if !d.IsDeny() {
		t.Fatal("expected IsDeny true")
	}
	if d.DenyCode != "550" {
		t.Fatalf("unexpected deny code: %q", d.DenyCode)
	}
}
