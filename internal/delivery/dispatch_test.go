package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/mailgate/mailgate/framework/address"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/transport"
)

type scriptedTransport struct {
	name    string
	results []transport.Result
	calls   int
}

func (t *scriptedTransport) Name() string { return t.name }

func (t *scriptedTransport) Deliver(ctx context.Context, msg transport.Message) transport.Result {
	i := t.calls
	t.calls++
	if i >= len(t.results) {
		return transport.OK()
	}
	return t.results[i]
}

func newDispatchCtx(t *testing.T, rcpts ...string) *model.MailContext {
	t.Helper()
	ctx := model.NewMailContext(nil, "mail.example.com", model.KindOpportunistic)
	from, _ := address.Parse("sender@example.com", true)
	ctx.Envelope.MailFrom = from
	ctx.Body = model.RawBody("Subject: hi\r\n\r\nbody")
	ctx.Metadata = &model.MessageMetadata{MessageID: "msg-1"}
	for _, r := range rcpts {
		addr, _ := address.Parse(r, false)
		ctx.Envelope.InsertRcpt(addr)
	}
	return ctx
}

func TestDispatchMarksSentOnOK(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	tr := &scriptedTransport{name: "deliver", results: []transport.Result{transport.OK()}}
	Dispatch(context.Background(), Registry{model.TransferDeliver: tr}, ctx)

	if ctx.Envelope.Rcpt[0].EmailStatus.Kind != model.StatusSent {
		t.Fatalf("expected StatusSent, got %v", ctx.Envelope.Rcpt[0].EmailStatus.Kind)
	}
}

func TestDispatchMarksFailedOnPermanent(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	tr := &scriptedTransport{name: "deliver", results: []transport.Result{transport.Permanent("no such user")}}
	Dispatch(context.Background(), Registry{model.TransferDeliver: tr}, ctx)

	if ctx.Envelope.Rcpt[0].EmailStatus.Kind != model.StatusFailed {
		t.Fatalf("expected StatusFailed, got %v", ctx.Envelope.Rcpt[0].EmailStatus.Kind)
	}
}

func TestDispatchIncrementsRetryCountOnTemporary(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	ctx.Envelope.Rcpt[0].EmailStatus = model.HeldBack(2)
	tr := &scriptedTransport{name: "deliver", results: []transport.Result{transport.Temporary("greylisted")}}
	Dispatch(context.Background(), Registry{model.TransferDeliver: tr}, ctx)

	st := ctx.Envelope.Rcpt[0].EmailStatus
	if st.Kind != model.StatusHeldBack || st.RetryCount != 3 {
		t.Fatalf("expected HeldBack with RetryCount 3, got %+v", st)
	}
}

func TestDispatchSkipsRecipientsAlreadyTerminal(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	ctx.Envelope.Rcpt[0].EmailStatus = model.Sent(time.Now())
	tr := &scriptedTransport{name: "deliver"}
	Dispatch(context.Background(), Registry{model.TransferDeliver: tr}, ctx)

	if tr.calls != 0 {
		t.Fatalf("expected a terminal recipient not to be dispatched, got %d calls", tr.calls)
	}
}

func TestDispatchWithoutRegisteredTransportFails(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	Dispatch(context.Background(), Registry{}, ctx)

	if ctx.Envelope.Rcpt[0].EmailStatus.Kind != model.StatusFailed {
		t.Fatalf("expected an unregistered transfer method to fail, got %v", ctx.Envelope.Rcpt[0].EmailStatus.Kind)
	}
}

func TestAnyHeldBackAnyDeadAllSent(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org", "b@example.org")
	ctx.Envelope.Rcpt[0].EmailStatus = model.Sent(time.Now())
	ctx.Envelope.Rcpt[1].EmailStatus = model.HeldBack(1)

	if AllSent(ctx) {
		t.Fatal("expected AllSent to be false while one recipient is held back")
	}
	if !AnyHeldBack(ctx) {
		t.Fatal("expected AnyHeldBack to be true")
	}
	if AnyDead(ctx) {
		t.Fatal("expected AnyDead to be false: no failures and no TransferNone recipients")
	}

	ctx.Envelope.Rcpt[1].EmailStatus = model.Failed("bounced")
	if !AnyDead(ctx) {
		t.Fatal("expected AnyDead to be true once a recipient failed")
	}

	ctx.Envelope.Rcpt[0].EmailStatus = model.Sent(time.Now())
	ctx.Envelope.Rcpt[1].EmailStatus = model.Sent(time.Now())
	if !AllSent(ctx) {
		t.Fatal("expected AllSent once every recipient is Sent")
	}
}

func TestAddTraceHeaderPrependsReceivedLine(t *testing.T) {
	ctx := newDispatchCtx(t, "a@example.org")
	ctx.Envelope.Helo = "client.example.com"
	original := ctx.Body.Raw()

	AddTraceHeader(ctx, "mail.example.com")

	got := ctx.Body.Raw()
	if got == original {
		t.Fatal("expected the body to change after AddTraceHeader")
	}
	if len(got) <= len(original) {
		t.Fatal("expected the trace header to be prepended, not replace the body")
	}
}
