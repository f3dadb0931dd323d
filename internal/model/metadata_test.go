package model

import "testing"

func TestNewMessageIDIsUniqueAndNonEmpty(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if id == "" {
			t.Fatal("expected non-empty message ID")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate message ID generated: %s", id)
		}
		seen[id] = struct{}{}
	}
}
