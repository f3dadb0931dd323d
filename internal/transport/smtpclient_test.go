package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// fakeSMTPServer serves exactly one connection with a minimal
// EHLO/MAIL/RCPT/DATA/QUIT dialogue and no STARTTLS, recording the
// bytes it received for DATA so a test can assert on them.
func fakeSMTPServer(t *testing.T) (addr string, received chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	received = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serveFakeSMTP(conn, received)
	}()
	return ln.Addr().String(), received
}

func serveFakeSMTP(conn net.Conn, received chan string) {
	r := bufio.NewReader(conn)
	w := conn

	write := func(s string) { w.Write([]byte(s)) }
	write("220 fake.example.com ESMTP\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "EHLO"):
			write("250-fake.example.com\r\n250 8BITMIME\r\n")
		case strings.HasPrefix(upper, "MAIL FROM"):
			write("250 OK\r\n")
		case strings.HasPrefix(upper, "RCPT TO"):
			write("250 OK\r\n")
		case upper == "DATA":
			write("354 go ahead\r\n")
			var sb strings.Builder
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" || dl == ".\n" {
					break
				}
				sb.WriteString(dl)
			}
			received <- sb.String()
			write("250 OK queued\r\n")
		case upper == "QUIT":
			write("221 Bye\r\n")
			return
		default:
			write("500 unrecognized\r\n")
		}
	}
}

// dialMX always connects on port 25, which a test can't bind without
// privilege, so this test drives an outboundClient built the same way
// dialMX does -- wrapping a raw dial in smtp.NewClient -- over a direct
// connection to the fake listener's actual port instead.
func TestOutboundClientSendDeliversMessage(t *testing.T) {
	addr, received := fakeSMTPServer(t)

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	smtpClient, err := smtp.NewClient(conn)
	if err != nil {
		t.Fatalf("smtp.NewClient: %v", err)
	}
	client := &outboundClient{conn: conn, client: smtpClient}
	defer client.Close()

	if err := client.Send(context.Background(), "sender@example.com", "rcpt@example.org", []byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if !strings.Contains(got, "Subject: hi") {
			t.Fatalf("expected the DATA payload to contain the message body, got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fake server to receive DATA")
	}
}

func TestIsPermanentSMTPErrorTrueForFivehundredRange(t *testing.T) {
	err := &smtp.SMTPError{Code: 550, Message: "no such user"}
	if !isPermanentSMTPError(err) {
		t.Fatal("expected a 550 SMTPError to be classified permanent")
	}
	if isPermanentSMTPError(&smtp.SMTPError{Code: 450, Message: "try later"}) {
		t.Fatal("expected a 4xx SMTPError not to be classified permanent")
	}
	if isPermanentSMTPError(errors.New("not an smtp error")) {
		t.Fatal("expected a plain error not to be classified permanent")
	}
}
