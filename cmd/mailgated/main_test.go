package main

import (
	"errors"
	"testing"

	"github.com/mailgate/mailgate/internal/auth"
)

type fakeCredCheck struct {
	known map[string]string
	exist map[string]bool
}

func (f fakeCredCheck) Check(username, password string) error {
	if want, ok := f.known[username]; ok && want == password {
		return nil
	}
	return auth.ErrUnknownCredentials
}

func (f fakeCredCheck) Exists(username string) bool {
	return f.exist[username]
}

func TestNonZeroReturnsDefaultForZeroOrNegative(t *testing.T) {
	if got := nonZero(0, 10); got != 10 {
		t.Errorf("nonZero(0, 10) = %d, want 10", got)
	}
	if got := nonZero(-1, 10); got != 10 {
		t.Errorf("nonZero(-1, 10) = %d, want 10", got)
	}
	if got := nonZero(5, 10); got != 5 {
		t.Errorf("nonZero(5, 10) = %d, want 5", got)
	}
}

func TestMultiCheckTriesEachBackendInOrder(t *testing.T) {
	m := multiCheck{
		fakeCredCheck{known: map[string]string{"alice": "secret"}},
		fakeCredCheck{known: map[string]string{"bob": "hunter2"}},
	}

	if err := m.Check("alice", "secret"); err != nil {
		t.Errorf("expected alice to authenticate against the first backend, got %v", err)
	}
	if err := m.Check("bob", "hunter2"); err != nil {
		t.Errorf("expected bob to authenticate against the second backend, got %v", err)
	}
	if err := m.Check("bob", "wrong"); err == nil {
		t.Error("expected a wrong password to fail")
	}
	if err := m.Check("carol", "whatever"); !errors.Is(err, auth.ErrUnknownCredentials) {
		t.Errorf("expected ErrUnknownCredentials for an unknown user, got %v", err)
	}
}

func TestMultiCheckExistsIsUnionOfBackends(t *testing.T) {
	m := multiCheck{
		fakeCredCheck{exist: map[string]bool{"alice": true}},
		fakeCredCheck{exist: map[string]bool{"bob": true}},
	}

	if !m.Exists("alice") || !m.Exists("bob") {
		t.Error("expected Exists to report true for either backend's known user")
	}
	if m.Exists("carol") {
		t.Error("expected Exists to report false for a user known to neither backend")
	}
}

func TestBuildCredentialCheckReturnsNilWithoutAnyBackendConfigured(t *testing.T) {
	fc := &fileConfig{}
	if got := buildCredentialCheck(fc); got != nil {
		t.Errorf("expected a nil CredentialCheck when no backend is configured, got %v", got)
	}
}

func TestBuildCredentialCheckWiresShadowFile(t *testing.T) {
	fc := &fileConfig{}
	fc.Auth.ShadowFile = "/etc/shadow"
	if got := buildCredentialCheck(fc); got == nil {
		t.Error("expected a non-nil CredentialCheck when a shadow file is configured")
	}
}

func TestBuildPolicyFactoryWithoutLuaFileReturnsNoopVM(t *testing.T) {
	factory, err := buildPolicyFactory(&fileConfig{}, nil)
	if err != nil {
		t.Fatalf("buildPolicyFactory: %v", err)
	}
	vm, err := factory()
	if err != nil {
		t.Fatalf("factory(): %v", err)
	}
	if _, ok := vm.(noopVM); !ok {
		t.Errorf("expected a noopVM when no rules file is configured, got %T", vm)
	}
}

func TestBuildPolicyFactoryWithMissingLuaFileFails(t *testing.T) {
	fc := &fileConfig{}
	fc.Rules.LuaFile = "/nonexistent/rules.lua"
	if _, err := buildPolicyFactory(fc, nil); err == nil {
		t.Fatal("expected an error reading a nonexistent rules file")
	}
}

func TestBuildTransportRegistryAlwaysIncludesForwardOnly(t *testing.T) {
	fc := &fileConfig{}
	registry := buildTransportRegistry(fc, "mail.example.com")
	if len(registry) != 1 {
		t.Errorf("expected only the forward transport without mbox/maildir config, got %v", registry)
	}
}

func TestBuildTransportRegistryWiresConfiguredLocalTransports(t *testing.T) {
	fc := &fileConfig{}
	fc.Transports.MboxDir = "/var/mail"
	fc.Transports.MaildirDir = "/var/maildirs"
	registry := buildTransportRegistry(fc, "mail.example.com")
	if len(registry) != 3 {
		t.Errorf("expected forward, mbox and maildir transports, got %v", registry)
	}
}

func TestDomainViewReturnsConfiguredDomain(t *testing.T) {
	v := domainView{domain: "mail.example.com"}
	if got := v.Domain(); got != "mail.example.com" {
		t.Errorf("Domain() = %q, want mail.example.com", got)
	}
}
