/*
mailgate - a programmable SMTP mail transfer agent and delivery pipeline.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package delivery implements the delivery worker pool (spec.md
// §4.11, C12): the last rule-engine stage, the trace header, and
// per-recipient dispatch to a Transport. The dispatch logic here is
// reused verbatim by the deferred scheduler (spec.md §4.12, "same
// grouping as §4.11").
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgate/mailgate/internal/metrics"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/transport"
)

// Registry resolves a recipient's transfer method to the Transport
// that implements it.
type Registry map[model.TransferKind]transport.Transport

// Dispatch delivers ctx to every recipient that has not yet reached a
// terminal status, one Transport call per recipient (spec.md §4.11's
// "dispatch" step and §4.12's "same grouping"). ctx is assumed to be
// owned exclusively by the caller -- it was just dequeued from a
// queue directory and no other goroutine can see it -- so Dispatch
// does not take ctx's own lock across the network calls a Transport
// may make.
func Dispatch(ctx context.Context, registry Registry, mctx *model.MailContext) {
	from := mctx.Envelope.MailFrom.Full()
	raw := []byte(mctx.Body.Raw())
	var messageID string
	if mctx.Metadata != nil {
		messageID = mctx.Metadata.MessageID
	}

	for _, r := range mctx.Envelope.Rcpt {
		if r.EmailStatus.IsTerminal() {
			continue
		}
		tr, ok := registry[r.TransferMethod.Kind]
		if !ok {
			r.EmailStatus = model.Failed(fmt.Sprintf("no transport configured for %s", transferName(r.TransferMethod.Kind)))
			continue
		}
		msg := transport.NewMessageFor(messageID, from, r.Address.Full(), raw, r.TransferMethod)
		res := tr.Deliver(ctx, msg)
		switch res.Kind {
		case transport.ResultOK:
			r.EmailStatus = model.Sent(time.Now())
			metrics.DeliveryAttemptsTotal.WithLabelValues(tr.Name(), "ok").Inc()
		case transport.ResultPermanent:
			r.EmailStatus = model.Failed(res.Reason)
			metrics.DeliveryAttemptsTotal.WithLabelValues(tr.Name(), "permanent").Inc()
		case transport.ResultTemporary:
			r.EmailStatus = model.HeldBack(r.EmailStatus.RetryCount + 1)
			metrics.DeliveryAttemptsTotal.WithLabelValues(tr.Name(), "temporary").Inc()
		}
	}
}

func transferName(k model.TransferKind) string {
	switch k {
	case model.TransferForward:
		return "forward"
	case model.TransferDeliver:
		return "deliver"
	case model.TransferMbox:
		return "mbox"
	case model.TransferMaildir:
		return "maildir"
	default:
		return "none"
	}
}

// AnyHeldBack reports whether at least one recipient is currently
// waiting for a retry.
func AnyHeldBack(mctx *model.MailContext) bool {
	for _, r := range mctx.Envelope.Rcpt {
		if r.EmailStatus.Kind == model.StatusHeldBack {
			return true
		}
	}
	return false
}

// AnyDead reports whether at least one recipient failed outright, or
// was never given a real transfer method (spec.md §4.11, "its
// transfer method is None").
func AnyDead(mctx *model.MailContext) bool {
	for _, r := range mctx.Envelope.Rcpt {
		if r.EmailStatus.Kind == model.StatusFailed || r.TransferMethod.Kind == model.TransferNone {
			return true
		}
	}
	return false
}

// AllSent reports whether every recipient reached StatusSent.
func AllSent(mctx *model.MailContext) bool {
	for _, r := range mctx.Envelope.Rcpt {
		if r.EmailStatus.Kind != model.StatusSent {
			return false
		}
	}
	return true
}

// AddTraceHeader prepends a Received:-style trace line to the body
// (spec.md §4.11, "add a trace header to the body"), the one
// server-added header mailgate itself is responsible for rather than
// leaving to the originating MTA.
func AddTraceHeader(mctx *model.MailContext, serverDomain string) {
	remote := "unknown"
	if mctx.Connection.RemoteAddr != nil {
		remote = mctx.Connection.RemoteAddr.String()
	}
	line := fmt.Sprintf("Received: from %s ([%s]) by %s with mailgate; %s\r\n",
		mctx.Envelope.Helo, remote, serverDomain, time.Now().UTC().Format(time.RFC1123Z))
	mctx.Body = model.RawBody(line + mctx.Body.Raw())
}
