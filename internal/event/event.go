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

// Package event implements the pure command/data-line parser (spec.md
// §4.2, C2): a function from a line to a typed SMTP event, or a reply
// code to return directly without ever touching the state machine.
package event

// Kind tags the Event sum type.
type Kind int

const (
	KHelo Kind = iota
	KEhlo
	KMail
	KRcpt
	KData
	KDataLine
	KDataEnd
	KRset
	KNoop
	KQuit
	KVrfy
	KExpn
	KHelp
	KStartTLS
	KAuth
)

// BodyType is the MAIL FROM BODY= parameter (spec.md §4.2).
type BodyType int

const (
	Body7Bit BodyType = iota
	Body8BitMIME
)

// Event is the parser's typed output. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind Kind

	Domain string // Helo/Ehlo
	Arg    string // Vrfy/Expn/Help/DataLine payload

	ReversePath string // Mail
	BodyType    BodyType
	SMTPUTF8    bool

	ForwardPath string // Rcpt

	Mechanism       string // Auth
	InitialResponse string // Auth; "" means none given, see HasInitialResp
	HasInitialResp  bool
}

// ParseResult is returned by Parse*: exactly one of Event or ReplyCode
// is meaningful.
type ParseResult struct {
	Event     Event
	ReplyCode string // symbolic reply identifier from the registry, "" if Event is valid
}
