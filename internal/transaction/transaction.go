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

// Package transaction implements the SMTP session state machine
// (spec.md §4.5, C5): the transition table driving a connection from
// greeting through HELO/EHLO, optional STARTTLS, optional AUTH, the
// MAIL/RCPT/DATA transaction proper, and RSET, consulting the rule
// engine at each stage boundary.
package transaction

// State is the closed enum of session states (spec.md §4.5).
type State int

const (
	StateConnect State = iota
	StateHelo
	StateNegotiationTLS
	StateAuthenticating
	StateMailFrom
	StateRcptTo
	StateData
	StateStop
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "connect"
	case StateHelo:
		return "helo"
	case StateNegotiationTLS:
		return "negotiation-tls"
	case StateAuthenticating:
		return "authenticating"
	case StateMailFrom:
		return "mail-from"
	case StateRcptTo:
		return "rcpt-to"
	case StateData:
		return "data"
	case StateStop:
		return "stop"
	default:
		return "unknown"
	}
}

// ActionKind tags what the driver should do after a Step call.
type ActionKind int

const (
	ActionReply        ActionKind = iota // send a reply, stay in the returned state
	ActionUpgradeTLS                     // send 220, then the caller performs the TLS handshake
	ActionAuthContinue                   // send a 334 challenge, stay in Authenticating
	ActionTransactionDone                // message handed to the queue, reply sent
	ActionClose                          // send the reply (if any) then close the connection
)

// Action is Step's result: the new State plus what the driver must do
// to realize it.
type Action struct {
	Kind     ActionKind
	NextState State
	ReplyText string // a reply.Code identifier (the base64 challenge for ActionAuthContinue); empty means no reply
}
