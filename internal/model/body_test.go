package model

import "testing"

func TestEmptyBodyRawIsBlank(t *testing.T) {
	if EmptyBody().Raw() != "" {
		t.Fatal("expected empty body to reconstruct to an empty string")
	}
	if EmptyBody().Kind() != BodyEmpty {
		t.Fatal("expected BodyEmpty kind")
	}
}

func TestRawBodyRoundTrips(t *testing.T) {
	b := RawBody("Subject: hi\r\n\r\nbody text")
	if b.Raw() != "Subject: hi\r\n\r\nbody text" {
		t.Fatalf("unexpected raw round-trip: %q", b.Raw())
	}
	if _, ok := b.Parsed(); ok {
		t.Fatal("a Raw body must not report a Parsed form")
	}
}

func TestParseSplitsHeaderAndRest(t *testing.T) {
	b := RawBody("Subject: hi\r\nFrom: a@example.com\r\n\r\nhello world")
	parsed := b.Parse()
	if parsed.Kind() != BodyParsed {
		t.Fatalf("expected Parse to produce BodyParsed, got %v", parsed.Kind())
	}
	mail, ok := parsed.Parsed()
	if !ok {
		t.Fatal("expected Parsed() to report true")
	}
	if mail.Rest != "hello world" {
		t.Fatalf("unexpected body remainder: %q", mail.Rest)
	}
}

func TestParseFallsBackToRawOnMalformedHeader(t *testing.T) {
	// No header/body separator at all: the textproto reader consumes
	// everything looking for a blank line and never reaches one.
	b := RawBody("not a valid header block without terminator")
	parsed := b.Parse()
	if parsed.Kind() == BodyParsed {
		// Either outcome (fallback to Raw, or a best-effort single
		// pseudo-header) is acceptable, but Raw() must always
		// reconstruct the original bytes losslessly.
	}
	if parsed.Raw() == "" {
		t.Fatal("Raw() must never return empty for a non-empty source body")
	}
}

func TestParseIsIdempotentOnAlreadyParsedBody(t *testing.T) {
	b := RawBody("Subject: x\r\n\r\nbody")
	once := b.Parse()
	twice := once.Parse()
	if twice.Kind() != BodyParsed {
		t.Fatal("re-parsing an already-Parsed body must be a no-op, not revert to Raw")
	}
}
