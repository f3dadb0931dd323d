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

import (
	"net"
	"sync"
	"time"
)

// ConnectionKind mirrors the listener posture of spec.md §4.4.
type ConnectionKind int

const (
	KindOpportunistic ConnectionKind = iota
	KindSubmission
	KindTunneled
)

// ConnectionContext is the per-connection state named but not detailed
// by spec.md §4.4 (SPEC_FULL.md §3 clarification).
type ConnectionContext struct {
	Timestamp              time.Time
	RemoteAddr             net.Addr
	ServerName             string
	IsSecured              bool
	IsAuthenticated         bool
	ErrorCount             uint32
	AuthenticationAttempts uint32
	Kind                   ConnectionKind
}

// MailContext is the aggregate shared between the transaction driver
// and the rule engine during one session (spec.md §3). All mutation
// flows through mu, held for the duration of one rule-engine stage or
// one state-machine transition — "context before any per-recipient
// lock" per spec.md §3 invariants.
type MailContext struct {
	mu sync.RWMutex

	Connection ConnectionContext
	Envelope   Envelope
	Body       Body
	Metadata   *MessageMetadata
}

// NewMailContext builds a fresh context for a new connection, HELO
// still unset.
func NewMailContext(remote net.Addr, serverName string, kind ConnectionKind) *MailContext {
	return &MailContext{
		Connection: ConnectionContext{
			Timestamp:  time.Now(),
			RemoteAddr: remote,
			ServerName: serverName,
			Kind:       kind,
		},
		Body: EmptyBody(),
	}
}

// Lock/Unlock/RLock/RUnlock expose the single context lock to callers
// that need to hold it across several field accesses (a rule-engine
// stage evaluation, or a transaction-machine transition).
func (c *MailContext) Lock()    { c.mu.Lock() }
func (c *MailContext) Unlock()  { c.mu.Unlock() }
func (c *MailContext) RLock()   { c.mu.RLock() }
func (c *MailContext) RUnlock() { c.mu.RUnlock() }

// ResetTransaction implements the RSET semantics of spec.md §4.5:
// clear body and envelope.rcpt/mail_from, keep envelope.helo.
func (c *MailContext) ResetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Envelope.Reset()
	c.Body = EmptyBody()
	c.Metadata = nil
}

// BeginHeloTransaction clears everything but helo+connection, used
// when returning to the Helo state after DATA completes or after
// RSET's caller-visible state (spec.md §4.5 "Completed transaction").
func (c *MailContext) BeginHeloTransaction(helo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Envelope = Envelope{Helo: helo}
	c.Body = EmptyBody()
	c.Metadata = nil
}

// Clone returns a deep-enough copy suitable for queue persistence: the
// lock is not copied, only the data.
func (c *MailContext) Clone() *MailContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rcpts := make([]*Recipient, len(c.Envelope.Rcpt))
	for i, r := range c.Envelope.Rcpt {
		cp := *r
		rcpts[i] = &cp
	}
	var meta *MessageMetadata
	if c.Metadata != nil {
		m := *c.Metadata
		meta = &m
	}
	return &MailContext{
		Connection: c.Connection,
		Envelope:   Envelope{Helo: c.Envelope.Helo, MailFrom: c.Envelope.MailFrom, Rcpt: rcpts},
		Body:       c.Body,
		Metadata:   meta,
	}
}
