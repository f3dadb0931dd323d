package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMaildirDeliverCreatesMessageUnderNew(t *testing.T) {
	root := t.TempDir()
	m := NewMaildir(root)

	res := m.Deliver(context.Background(), Message{From: "a@example.com", Rcpt: "alice@example.com", Raw: []byte("Subject: hi\r\n\r\nbody")})
	if res.Kind != ResultOK {
		t.Fatalf("expected OK, got %+v", res)
	}

	entries, err := os.ReadDir(filepath.Join(root, "alice", "new"))
	if err != nil {
		t.Fatalf("ReadDir new: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(root, "alice", "new", entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "Subject: hi\r\n\r\nbody" {
		t.Fatalf("unexpected delivered content: %q", data)
	}
}

func TestMaildirDirForStripsDomain(t *testing.T) {
	m := NewMaildir("/var/mail")
	if got := string(m.dirFor("bob@example.com")); got != filepath.Join("/var/mail", "bob") {
		t.Fatalf("unexpected maildir path: %q", got)
	}
}

func TestMaildirDeliverSeparatesRecipients(t *testing.T) {
	root := t.TempDir()
	m := NewMaildir(root)

	m.Deliver(context.Background(), Message{From: "a@example.com", Rcpt: "alice@example.com", Raw: []byte("one")})
	m.Deliver(context.Background(), Message{From: "a@example.com", Rcpt: "bob@example.com", Raw: []byte("two")})

	aliceEntries, err := os.ReadDir(filepath.Join(root, "alice", "new"))
	if err != nil || len(aliceEntries) != 1 {
		t.Fatalf("expected one message for alice, got entries=%v err=%v", aliceEntries, err)
	}
	bobEntries, err := os.ReadDir(filepath.Join(root, "bob", "new"))
	if err != nil || len(bobEntries) != 1 {
		t.Fatalf("expected one message for bob, got entries=%v err=%v", bobEntries, err)
	}
}
