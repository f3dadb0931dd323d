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

// Package transport implements the pluggable final-hop delivery
// methods (spec.md §4.14, C14/C15): local mbox and Maildir delivery,
// and MX-based relay forwarding.
package transport

import (
	"context"
	"net"

	"github.com/mailgate/mailgate/internal/model"
)

// Message is the read-only view a Transport needs of one queued
// message for one recipient; it never hands out the full
// model.MailContext so transports can't reach into unrelated
// recipients' state.
type Message struct {
	MessageID string
	From      string
	Rcpt      string
	Raw       []byte

	// ForwardDomain/ForwardIP carry an explicit Forward(Domain(d)) or
	// Forward(Ip(i)) transfer target (spec.md §4.13, "forward to
	// explicit target"): when either is set, the forward transport
	// dials it directly and skips the MX lookup entirely.
	ForwardDomain string
	ForwardIP     net.IP
}

// NewMessageFor builds the per-recipient Message a Transport expects,
// carrying over any explicit forward target the rule engine or the
// MAIL/RCPT parse recorded on t (spec.md §4.13).
func NewMessageFor(messageID, from, rcpt string, raw []byte, t model.Transfer) Message {
	msg := Message{MessageID: messageID, From: from, Rcpt: rcpt, Raw: raw}
	if t.Kind == model.TransferForward {
		switch t.Target.Kind {
		case model.ForwardDomain:
			msg.ForwardDomain = t.Target.Domain
		case model.ForwardIP:
			msg.ForwardIP = t.Target.IP
		}
	}
	return msg
}

// Transport delivers one message to one recipient. Deliver returns a
// Result describing whether the failure, if any, is worth retrying
// (spec.md §4.14's permanent/temporary distinction, reused by the
// deferred scheduler).
type Transport interface {
	Name() string
	Deliver(ctx context.Context, msg Message) Result
}

// ResultKind tags whether a delivery attempt should be retried.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultTemporary
	ResultPermanent
)

// Result is a Transport's verdict for one recipient.
type Result struct {
	Kind   ResultKind
	Reason string
}

func OK() Result                        { return Result{Kind: ResultOK} }
func Temporary(reason string) Result    { return Result{Kind: ResultTemporary, Reason: reason} }
func Permanent(reason string) Result    { return Result{Kind: ResultPermanent, Reason: reason} }

// SelectFor narrows a transport registry selection down using the
// recipient's own model.Transfer.
func SelectFor(t model.Transfer, registry map[model.TransferKind]Transport) (Transport, bool) {
	tr, ok := registry[t.Kind]
	return tr, ok
}
