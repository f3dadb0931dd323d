package model

import (
	"net"
	"testing"

	"github.com/mailgate/mailgate/framework/address"
)

func TestResetTransactionKeepsHeloClearsRest(t *testing.T) {
	ctx := NewMailContext(&net.TCPAddr{}, "mail.example.com", KindOpportunistic)
	ctx.Envelope.Helo = "client.example.com"
	from, _ := address.Parse("a@example.com", true)
	ctx.Envelope.MailFrom = from
	rcpt, _ := address.Parse("b@example.com", false)
	ctx.Envelope.InsertRcpt(rcpt)
	ctx.Body = RawBody("data")
	ctx.Metadata = &MessageMetadata{MessageID: "1"}

	ctx.ResetTransaction()

	if ctx.Envelope.Helo != "client.example.com" {
		t.Fatal("ResetTransaction must preserve Helo")
	}
	if !ctx.Envelope.MailFrom.IsEmpty() || ctx.Envelope.Len() != 0 {
		t.Fatal("ResetTransaction must clear MailFrom and recipients")
	}
	if ctx.Body.Kind() != BodyEmpty {
		t.Fatal("ResetTransaction must clear the body")
	}
	if ctx.Metadata != nil {
		t.Fatal("ResetTransaction must clear metadata")
	}
}

func TestBeginHeloTransactionDiscardsOldHelo(t *testing.T) {
	ctx := NewMailContext(&net.TCPAddr{}, "mail.example.com", KindOpportunistic)
	ctx.Envelope.Helo = "old.example.com"
	ctx.Metadata = &MessageMetadata{MessageID: "1"}

	ctx.BeginHeloTransaction("new.example.com")

	if ctx.Envelope.Helo != "new.example.com" {
		t.Fatalf("expected new Helo, got %q", ctx.Envelope.Helo)
	}
	if ctx.Metadata != nil {
		t.Fatal("BeginHeloTransaction must clear metadata")
	}
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	ctx := NewMailContext(&net.TCPAddr{}, "mail.example.com", KindOpportunistic)
	rcpt, _ := address.Parse("b@example.com", false)
	ctx.Envelope.InsertRcpt(rcpt)

	clone := ctx.Clone()
	clone.Envelope.Rcpt[0].EmailStatus = Sent(clone.Envelope.Rcpt[0].EmailStatus.At)

	if ctx.Envelope.Rcpt[0].EmailStatus.Kind == StatusSent {
		t.Fatal("mutating the clone's recipient must not affect the source context")
	}
}

func TestNewMailContextStartsWithEmptyBody(t *testing.T) {
	ctx := NewMailContext(&net.TCPAddr{}, "mail.example.com", KindSubmission)
	if ctx.Body.Kind() != BodyEmpty {
		t.Fatal("expected a fresh context to start with an empty body")
	}
	if ctx.Connection.Kind != KindSubmission {
		t.Fatalf("expected connection kind to be recorded, got %v", ctx.Connection.Kind)
	}
}
