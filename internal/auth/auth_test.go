package auth

import (
	"errors"
	"testing"
)

type fakeCreds struct {
	db map[string]string
}

func (f fakeCreds) Check(username, password string) error {
	want, ok := f.db[username]
	if !ok || want != password {
		return ErrUnknownCredentials
	}
	return nil
}

func TestMechanismsListsPlainAndOptionallyLogin(t *testing.T) {
	creds := fakeCreds{db: map[string]string{}}
	if got := Mechanisms(creds, false); len(got) != 1 || got[0] != "PLAIN" {
		t.Fatalf("expected just PLAIN, got %v", got)
	}
	if got := Mechanisms(creds, true); len(got) != 2 || got[1] != "LOGIN" {
		t.Fatalf("expected PLAIN and LOGIN, got %v", got)
	}
}

func TestMechanismsNilCredsReturnsNone(t *testing.T) {
	if got := Mechanisms(nil, true); got != nil {
		t.Fatalf("expected nil mechanism list without a credential check, got %v", got)
	}
}

func TestBridgePlainSuccessSetsIdentity(t *testing.T) {
	creds := fakeCreds{db: map[string]string{"alice": "secret"}}
	var identified string
	b := NewBridge(creds, false, func(u string) { identified = u })

	_, done, ok, err := b.Start("PLAIN", []byte("\x00alice\x00secret"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !done || !ok {
		t.Fatalf("expected immediate success, got done=%v ok=%v", done, ok)
	}
	if identified != "alice" {
		t.Fatalf("expected identityFn called with alice, got %q", identified)
	}
}

func TestBridgePlainWrongPasswordFails(t *testing.T) {
	creds := fakeCreds{db: map[string]string{"alice": "secret"}}
	b := NewBridge(creds, false, func(string) {})

	_, done, ok, err := b.Start("PLAIN", []byte("\x00alice\x00wrong"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !done || ok {
		t.Fatalf("expected a failed-but-done result, got done=%v ok=%v", done, ok)
	}
}

func TestBridgePlainIdentityMismatchFails(t *testing.T) {
	creds := fakeCreds{db: map[string]string{"alice": "secret"}}
	b := NewBridge(creds, false, func(string) {})

	_, done, ok, _ := b.Start("PLAIN", []byte("bob\x00alice\x00secret"))
	if !done || ok {
		t.Fatalf("expected failure when identity != username, got done=%v ok=%v", done, ok)
	}
}

func TestBridgeUnsupportedMechanismReturnsError(t *testing.T) {
	creds := fakeCreds{db: map[string]string{}}
	b := NewBridge(creds, false, func(string) {})

	_, done, ok, err := b.Start("CRAM-MD5", nil)
	if !errors.Is(err, ErrUnsupportedMechanism) {
		t.Fatalf("expected ErrUnsupportedMechanism, got %v", err)
	}
	if !done || ok {
		t.Fatalf("expected done=true ok=false alongside the error, got done=%v ok=%v", done, ok)
	}
}

func TestBridgeLoginDisabledByDefault(t *testing.T) {
	creds := fakeCreds{db: map[string]string{}}
	b := NewBridge(creds, false, func(string) {})

	_, _, _, err := b.Start("LOGIN", nil)
	if !errors.Is(err, ErrUnsupportedMechanism) {
		t.Fatalf("expected LOGIN to be rejected when not enabled, got %v", err)
	}
}

func TestBridgeLoginEnabledStartsAMultiRoundChallenge(t *testing.T) {
	creds := fakeCreds{db: map[string]string{"alice": "secret"}}
	var identified string
	b := NewBridge(creds, true, func(u string) { identified = u })

	_, done, ok, err := b.Start("LOGIN", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if done || ok {
		t.Fatalf("expected LOGIN to require further rounds before completing, got done=%v ok=%v", done, ok)
	}

	_, done, ok, err = b.Step([]byte("alice"))
	if err != nil {
		t.Fatalf("Step(username): %v", err)
	}
	if done {
		t.Fatal("expected LOGIN to still need a password round")
	}

	_, done, ok, err = b.Step([]byte("secret"))
	if err != nil {
		t.Fatalf("Step(password): %v", err)
	}
	if !done || !ok {
		t.Fatalf("expected LOGIN to succeed once the password matches, got done=%v ok=%v", done, ok)
	}
	if identified != "alice" {
		t.Fatalf("expected identityFn called with alice, got %q", identified)
	}
}
