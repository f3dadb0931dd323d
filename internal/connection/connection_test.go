package connection

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/mailgate/mailgate/framework/config"
	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/reply"
)

func newTestConn(t *testing.T, limits config.Limits) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	registry := reply.Build("mail.example.com")
	ctx := model.NewMailContext(&net.TCPAddr{}, "mail.example.com", model.KindOpportunistic)
	return New(server, registry, limits, log.New("test"), ctx), client
}

func readReply(t *testing.T, client net.Conn) string {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(time.Second))
	br := bufio.NewReader(client)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return line
}

func TestSendWithBudgetStaysUnderSoftThreshold(t *testing.T) {
	limits := config.Limits{SoftErrorCount: 3, HardErrorCount: 10, ErrorDelay: 50 * time.Millisecond}
	c, client := newTestConn(t, limits)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.SendWithBudget(reply.Code501)
		done <- out
	}()
	readReply(t, client)

	start := time.Now()
	out := <-done
	if out != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue below the soft threshold, got %v", out)
	}
	if time.Since(start) >= limits.ErrorDelay {
		t.Fatal("expected no error delay before the soft threshold is reached")
	}
}

func TestSendWithBudgetDelaysAtSoftThreshold(t *testing.T) {
	limits := config.Limits{SoftErrorCount: 1, HardErrorCount: 10, ErrorDelay: 30 * time.Millisecond}
	c, client := newTestConn(t, limits)

	start := time.Now()
	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.SendWithBudget(reply.Code501)
		done <- out
	}()
	readReply(t, client)
	out := <-done
	if out != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue at the soft threshold, got %v", out)
	}
	if time.Since(start) < limits.ErrorDelay {
		t.Fatal("expected the error delay once the soft threshold is reached")
	}
}

func TestSendWithBudgetHardQuitExceedsLimit(t *testing.T) {
	limits := config.Limits{SoftErrorCount: 1, HardErrorCount: 2}
	c, client := newTestConn(t, limits)

	for i := 0; i < 2; i++ {
		done := make(chan Outcome, 1)
		go func() {
			out, _ := c.SendWithBudget(reply.Code501)
			done <- out
		}()
		readReply(t, client)
		out := <-done
		if out != OutcomeContinue {
			t.Fatalf("iteration %d: expected OutcomeContinue, got %v", i, out)
		}
	}

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.SendWithBudget(reply.Code501)
		done <- out
	}()
	readReply(t, client) // the 501 itself
	readReply(t, client) // the follow-up 451 "too many errors"
	out := <-done
	if out != OutcomeHardQuit {
		t.Fatalf("expected OutcomeHardQuit once the hard budget is exceeded, got %v", out)
	}
}

func TestSendWithBudgetIgnoresSuccessReplies(t *testing.T) {
	limits := config.Limits{SoftErrorCount: 1, HardErrorCount: 2}
	c, client := newTestConn(t, limits)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.SendWithBudget(reply.Code250)
		done <- out
	}()
	readReply(t, client)
	out := <-done
	if out != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue for a success reply, got %v", out)
	}
	if c.SoftErrorCount() != 0 {
		t.Fatal("a 250 reply must not count against the error budget")
	}
}

func TestNextLineTimeoutMapsTo451(t *testing.T) {
	limits := config.Limits{CommandLineMax: 88}
	c, _ := newTestConn(t, limits)

	_, outcome, code := c.NextLine(20 * time.Millisecond)
	if outcome != OutcomeTimeout {
		t.Fatalf("expected OutcomeTimeout, got %v", outcome)
	}
	if code != reply.Code451Timeout {
		t.Fatalf("expected Code451Timeout, got %v", code)
	}
}
