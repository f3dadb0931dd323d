package lineio

import (
	"net"
	"testing"
	"time"
)

func pipeReader(t *testing.T, maxLen int) (*Reader, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return NewReader(server, maxLen), client
}

func TestNextLineStripsCRLF(t *testing.T) {
	r, client := pipeReader(t, 0)
	go client.Write([]byte("HELO example.com\r\n"))

	line, err := r.NextLine(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "HELO example.com" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestNextLineToleratesBareLF(t *testing.T) {
	r, client := pipeReader(t, 0)
	go client.Write([]byte("NOOP\n"))

	line, err := r.NextLine(time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != "NOOP" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestNextLineAtCapIsAccepted(t *testing.T) {
	r, client := pipeReader(t, 8)
	go client.Write([]byte("12345678\r\n"))

	line, err := r.NextLine(time.Second)
	if err != nil {
		t.Fatalf("unexpected error for a line exactly at the cap: %v", err)
	}
	if line != "12345678" {
		t.Fatalf("unexpected line: %q", line)
	}
}

func TestNextLineOverCapIsRejected(t *testing.T) {
	r, client := pipeReader(t, 8)
	go client.Write([]byte("123456789\r\n"))

	_, err := r.NextLine(time.Second)
	if err == nil || err.Kind != ErrTooLong {
		t.Fatalf("expected ErrTooLong for a line one byte over the cap, got %v", err)
	}
}

func TestNextLineOverCapDrainsToNextCommand(t *testing.T) {
	r, client := pipeReader(t, 8)
	go client.Write([]byte("123456789\r\nNOOP\r\n"))

	_, err := r.NextLine(time.Second)
	if err == nil || err.Kind != ErrTooLong {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}

	line, err := r.NextLine(time.Second)
	if err != nil {
		t.Fatalf("expected the next command to read cleanly after drain, got error: %v", err)
	}
	if line != "NOOP" {
		t.Fatalf("expected drained state to resume at the next line, got %q", line)
	}
}

func TestNextLineTimeout(t *testing.T) {
	r, _ := pipeReader(t, 0)
	_, err := r.NextLine(20 * time.Millisecond)
	if err == nil || err.Kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNextLineEOF(t *testing.T) {
	r, client := pipeReader(t, 0)
	client.Close()

	_, err := r.NextLine(time.Second)
	if err == nil || err.Kind != ErrEOF {
		t.Fatalf("expected ErrEOF, got %v", err)
	}
}

func TestSetMaxLenSwitchesCapLiveBetweenReads(t *testing.T) {
	r, client := pipeReader(t, 4)
	go client.Write([]byte("12345678\r\n"))

	_, err := r.NextLine(time.Second)
	if err == nil || err.Kind != ErrTooLong {
		t.Fatalf("expected ErrTooLong under the small cap, got %v", err)
	}

	r.SetMaxLen(100)
	go client.Write([]byte("still under the new cap\r\n"))
	line, err := r.NextLine(time.Second)
	if err != nil {
		t.Fatalf("unexpected error after raising the cap: %v", err)
	}
	if line != "still under the new cap" {
		t.Fatalf("unexpected line: %q", line)
	}
}
