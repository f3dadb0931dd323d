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

package model

import "github.com/mailgate/mailgate/framework/address"

// Envelope is the SMTP transaction metadata, separate from the
// message body (spec.md §3, GLOSSARY). Rcpt is insertion-ordered for
// replay but deduplicated by address on insert.
type Envelope struct {
	Helo     string
	MailFrom address.Address
	Rcpt     []*Recipient
}

// InsertRcpt appends r unless an equal address is already present,
// returning false when it was a duplicate (spec.md §3, Envelope).
func (e *Envelope) InsertRcpt(addr address.Address) (*Recipient, bool) {
	for _, r := range e.Rcpt {
		if r.Address.Equal(addr) {
			return r, false
		}
	}
	r := NewRecipient(addr)
	e.Rcpt = append(e.Rcpt, r)
	return r, true
}

// Reset clears everything except Helo, per RSET semantics (spec.md
// §4.5: "clear body + envelope.rcpt + envelope.mail_from; envelope.helo
// kept").
func (e *Envelope) Reset() {
	e.MailFrom = address.Empty
	e.Rcpt = nil
}

// Len reports the number of accepted recipients.
func (e *Envelope) Len() int { return len(e.Rcpt) }
