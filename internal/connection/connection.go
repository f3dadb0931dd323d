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

// Package connection implements the per-connection error budget and
// reply dispatch (spec.md §4.4, C4): every reply sent to a client
// flows through Send, which tracks the soft/hard error counters and
// applies the post-error delay so a misbehaving client is slowed down
// rather than merely refused.
package connection

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/mailgate/mailgate/framework/config"
	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/lineio"
	"github.com/mailgate/mailgate/internal/metrics"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/reply"
)

// Outcome tells the caller (the transaction driver) whether the
// connection must now be torn down.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeHardQuit         // hard error budget exceeded, spec.md §4.4
	OutcomeTimeout
	OutcomeClientClosed
)

// Conn bundles everything a transaction step needs to read a line,
// classify it, and reply, without owning any SMTP-verb semantics
// itself (spec.md §4.4 draws this boundary explicitly: C4 "does not
// know about HELO/MAIL/RCPT").
type Conn struct {
	Raw      net.Conn
	Reader   *lineio.Reader
	Registry *reply.Registry
	Log      log.Logger
	Limits   config.Limits
	Context  *model.MailContext

	softErrors uint32
	hardErrors uint32
}

// New wraps raw, building the line reader at the command-line cap.
func New(raw net.Conn, registry *reply.Registry, limits config.Limits, lg log.Logger, ctx *model.MailContext) *Conn {
	return &Conn{
		Raw:      raw,
		Reader:   lineio.NewReader(raw, limits.CommandLineMax),
		Registry: registry,
		Log:      lg,
		Limits:   limits,
		Context:  ctx,
	}
}

// Send writes the wire text for code, unconditionally.
func (c *Conn) Send(code reply.Code) error {
	text := c.Registry.Text(code)
	_, err := c.Raw.Write([]byte(text))
	if err == nil {
		metrics.RepliesTotal.WithLabelValues(string(code)).Inc()
	}
	return err
}

// SendRaw writes an already-rendered reply line (used for the AUTH 334
// continuation, whose payload is not a static template).
func (c *Conn) SendRaw(text string) error {
	_, err := c.Raw.Write([]byte(text))
	return err
}

// SendWithBudget sends code and, if it denotes an error reply,
// increments the soft/hard error counters. Once the error count
// reaches SoftErrorCount it sleeps ErrorDelay before returning; once
// the count exceeds HardErrorCount it instead sends Code451TooManyError
// and returns OutcomeHardQuit without sleeping. The returned Outcome
// tells the caller whether the hard budget was exceeded.
func (c *Conn) SendWithBudget(code reply.Code) (Outcome, error) {
	if err := c.Send(code); err != nil {
		return OutcomeClientClosed, err
	}
	if !reply.IsError(code) {
		return OutcomeContinue, nil
	}

	c.Context.Lock()
	c.softErrors++
	c.hardErrors++
	c.Context.Connection.ErrorCount = c.hardErrors
	delay := c.Limits.SoftErrorCount > 0 && c.hardErrors >= c.Limits.SoftErrorCount
	exceeded := c.Limits.HardErrorCount > 0 && c.hardErrors > c.Limits.HardErrorCount
	c.Context.Unlock()

	if exceeded {
		_ = c.Send(reply.Code451TooManyError)
		return OutcomeHardQuit, nil
	}

	if delay && c.Limits.ErrorDelay > 0 {
		time.Sleep(c.Limits.ErrorDelay)
	}
	return OutcomeContinue, nil
}

// SoftErrorCount reports the number of error replies sent since the
// last ResetSoftErrors (spec.md §4.4's "per-command soft budget",
// consulted by the rule engine when deciding whether to escalate a
// repeated offense).
func (c *Conn) SoftErrorCount() uint32 { return c.softErrors }

func (c *Conn) ResetSoftErrors() { c.softErrors = 0 }

// NextLine reads one line honoring the state-specific timeout, folding
// lineio's structured error taxonomy into an Outcome plus a reply code
// the caller should send (spec.md §4.1/§4.4).
func (c *Conn) NextLine(timeout time.Duration) (string, Outcome, reply.Code) {
	line, rerr := c.Reader.NextLine(timeout)
	if rerr == nil {
		return line, OutcomeContinue, ""
	}
	switch rerr.Kind {
	case lineio.ErrTimeout:
		return "", OutcomeTimeout, reply.Code451Timeout
	case lineio.ErrEOF:
		return "", OutcomeClientClosed, ""
	case lineio.ErrTooLong:
		return "", OutcomeContinue, reply.Code500
	default:
		return "", OutcomeClientClosed, ""
	}
}

// UpgradeTLS replaces Raw and the line reader with a TLS-wrapped
// connection and marks the context secured (recording the SNI server
// name if one was sent). It does not touch the transaction state; the
// receiver resets the envelope and the driver after it returns.
func (c *Conn) UpgradeTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.Raw, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}
	c.Raw = tlsConn
	c.Reader = lineio.NewReader(tlsConn, c.Limits.CommandLineMax)

	c.Context.Lock()
	c.Context.Connection.IsSecured = true
	state := tlsConn.ConnectionState()
	if state.ServerName != "" {
		c.Context.Connection.ServerName = state.ServerName
	}
	c.Context.Unlock()
	return nil
}

// SetDataLineMode switches the reader's cap to the data-line limit
// (spec.md §4.1: command and data lines are capped independently).
func (c *Conn) SetDataLineMode() { c.Reader.SetMaxLen(c.Limits.DataLineMax) }

// SetCommandLineMode restores the command-line cap.
func (c *Conn) SetCommandLineMode() { c.Reader.SetMaxLen(c.Limits.CommandLineMax) }
