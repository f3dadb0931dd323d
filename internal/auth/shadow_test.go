package auth

import (
	"os"
	"path/filepath"
	"testing"
)

// sha512CryptHello is the SHA-512 crypt(3) hash of "Hello world!" under
// salt "saltstring", taken from the reference test vectors published
// alongside the sha-crypt specification.
const sha512CryptHello = "$6$saltstring$svn8UoSVapNtMuq1ukKS4tPQd8iKwSMHWjl/O817G3uBnIFNjnQJuesI68u4OEnwx1WCT0I7K9CvDVv0XDxLH9C/1"

func writeShadowFile(t *testing.T, lines string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shadow")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestShadowCheckAcceptsMatchingPassword(t *testing.T) {
	path := writeShadowFile(t, "alice:"+sha512CryptHello+":18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	if err := s.Check("alice", "Hello world!"); err != nil {
		t.Fatalf("expected matching password to be accepted, got %v", err)
	}
}

func TestShadowCheckRejectsWrongPassword(t *testing.T) {
	path := writeShadowFile(t, "alice:"+sha512CryptHello+":18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	if err := s.Check("alice", "wrong"); err == nil {
		t.Fatal("expected a wrong password to be rejected")
	}
}

func TestShadowCheckRejectsUnknownUser(t *testing.T) {
	path := writeShadowFile(t, "alice:"+sha512CryptHello+":18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	if err := s.Check("bob", "anything"); err == nil {
		t.Fatal("expected an unknown user to be rejected")
	}
}

func TestShadowCheckRejectsLockedAccounts(t *testing.T) {
	path := writeShadowFile(t, "locked:!:18000:0:99999:7:::\ndisabled:*:18000:0:99999:7:::\nempty::18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	for _, u := range []string{"locked", "disabled", "empty"} {
		if err := s.Check(u, "anything"); err == nil {
			t.Fatalf("expected %s to be rejected regardless of password", u)
		}
	}
}

func TestShadowCheckIgnoresCommentsAndBlankLines(t *testing.T) {
	path := writeShadowFile(t, "# comment\n\nalice:"+sha512CryptHello+":18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	if err := s.Check("alice", "Hello world!"); err != nil {
		t.Fatalf("expected the entry after the comment/blank line to load, got %v", err)
	}
}

func TestShadowCheckExistsDoesNotValidatePassword(t *testing.T) {
	path := writeShadowFile(t, "alice:"+sha512CryptHello+":18000:0:99999:7:::\nlocked:!:18000:0:99999:7:::\n")
	s := NewShadowCheck(path)

	if !s.Exists("alice") {
		t.Fatal("expected alice to exist")
	}
	if s.Exists("locked") {
		t.Fatal("a locked account must not report as existing")
	}
	if s.Exists("nobody") {
		t.Fatal("an unlisted user must not report as existing")
	}
}

func TestShadowCheckMissingFileFailsClosed(t *testing.T) {
	s := NewShadowCheck(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := s.Check("alice", "anything"); err == nil {
		t.Fatal("expected Check to fail when the shadow file is missing")
	}
	if s.Exists("alice") {
		t.Fatal("expected Exists to fail closed when the shadow file is missing")
	}
}
