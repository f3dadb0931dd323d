package model

import (
	"testing"
	"time"

	"github.com/mailgate/mailgate/framework/address"
)

func TestInsertRcptDeduplicates(t *testing.T) {
	var e Envelope
	a, _ := address.Parse("alice@example.com", false)

	_, inserted := e.InsertRcpt(a)
	if !inserted {
		t.Fatal("first insert should report true")
	}
	_, inserted = e.InsertRcpt(a)
	if inserted {
		t.Fatal("duplicate insert should report false")
	}
	if e.Len() != 1 {
		t.Fatalf("expected exactly one recipient, got %d", e.Len())
	}
}

func TestInsertRcptIsOrderPreserving(t *testing.T) {
	var e Envelope
	a1, _ := address.Parse("a@example.com", false)
	a2, _ := address.Parse("b@example.com", false)
	e.InsertRcpt(a1)
	e.InsertRcpt(a2)
	if e.Rcpt[0].Address.Full() != "a@example.com" || e.Rcpt[1].Address.Full() != "b@example.com" {
		t.Fatalf("expected insertion order preserved, got %+v", e.Rcpt)
	}
}

func TestEnvelopeResetKeepsHelo(t *testing.T) {
	e := Envelope{Helo: "client.example.com"}
	from, _ := address.Parse("a@example.com", true)
	e.MailFrom = from
	a, _ := address.Parse("b@example.com", false)
	e.InsertRcpt(a)

	e.Reset()

	if e.Helo != "client.example.com" {
		t.Fatal("Reset must preserve Helo")
	}
	if !e.MailFrom.IsEmpty() {
		t.Fatal("Reset must clear MailFrom")
	}
	if e.Len() != 0 {
		t.Fatal("Reset must clear recipients")
	}
}

func TestNewRecipientDefaults(t *testing.T) {
	a, _ := address.Parse("x@example.com", false)
	r := NewRecipient(a)
	if r.TransferMethod.Kind != TransferDeliver {
		t.Fatalf("expected default transfer kind Deliver, got %v", r.TransferMethod.Kind)
	}
	if r.EmailStatus.Kind != StatusWaiting {
		t.Fatalf("expected default status Waiting, got %v", r.EmailStatus.Kind)
	}
}

func TestEmailTransferStatusIsTerminal(t *testing.T) {
	cases := []struct {
		s    EmailTransferStatus
		want bool
	}{
		{Waiting(), false},
		{HeldBack(2), false},
		{Sent(time.Now()), true},
		{Failed("bounced"), true},
	}
	for _, c := range cases {
		if got := c.s.IsTerminal(); got != c.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", c.s.Kind, got, c.want)
		}
	}
}
