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

// Package receiver implements the plain connection loop and the
// TLS-upgrade loop (spec.md §4.8, C10): it owns nothing about SMTP
// verb semantics itself (that's transaction.Driver's job) and instead
// wires together one connection's Conn, Driver and rule-engine Engine,
// dispatches completed transactions to the queue store, and notifies
// the working/delivery processors.
package receiver

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/mailgate/mailgate/framework/config"
	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/auth"
	"github.com/mailgate/mailgate/internal/connection"
	"github.com/mailgate/mailgate/internal/event"
	"github.com/mailgate/mailgate/internal/metrics"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/queuestore"
	"github.com/mailgate/mailgate/internal/reply"
	"github.com/mailgate/mailgate/internal/rules"
	"github.com/mailgate/mailgate/internal/transaction"
)

// serverView is the rules.ServerView a policy script can consult; it
// never exposes receiver internals, only the handful of read-only
// facts spec.md §4.6 names.
type serverView struct {
	domain string
}

func (v serverView) Domain() string { return v.domain }

// Server owns everything shared across connections on one listening
// endpoint set: configuration, the queue store, the reply registry and
// the factories used to build a fresh rule-engine VM and SASL bridge
// per connection (spec.md §4.6, "the engine is single-threaded per
// session" — a shared Lua state would race across goroutines).
type Server struct {
	Cfg      *config.Config
	Store    *queuestore.Store
	Registry *reply.Registry
	Log      log.Logger

	PolicyFactory func() (rules.PolicyVM, error)
	Creds         auth.CredentialCheck
	EnableLogin   bool

	// WorkingNotify/DeliveryNotify carry a message ID to the matching
	// processor pool once a transaction lands in that queue
	// (spec.md §4.8's "notify delivery/working processor"). Nil
	// channels are a valid configuration (tests, or a standalone
	// receive-only instance) and simply skip notification.
	WorkingNotify  chan<- string
	DeliveryNotify chan<- string

	view        serverView
	clientCount atomic.Int32
}

// New builds a Server around cfg; Registry is built once here since
// spec.md §4.3 requires it be immutable for the life of the process.
func New(cfg *config.Config, store *queuestore.Store, lg log.Logger, policyFactory func() (rules.PolicyVM, error), creds auth.CredentialCheck, enableLogin bool) *Server {
	return &Server{
		Cfg:           cfg,
		Store:         store,
		Registry:      reply.Build(cfg.Domain),
		Log:           lg,
		PolicyFactory: policyFactory,
		Creds:         creds,
		EnableLogin:   enableLogin,
		view:          serverView{domain: cfg.Domain},
	}
}

// Serve runs the plain accept loop for one listener (spec.md §4.8,
// "plain loop"): one goroutine per accepted connection, matching the
// teacher's go-smtp-backed Serve(net.Listener) shape even though this
// server speaks the protocol itself instead of delegating to that
// library. lc.Proxied unwraps the PROXY protocol header before any
// connection reaches handleConn (SPEC_FULL.md §6).
func (s *Server) Serve(l net.Listener, lc config.Listener) error {
	if lc.Proxied {
		l = wrapProxyProtocol(l)
	}
	for {
		raw, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(raw, lc.Kind)
	}
}

func (s *Server) acquireSlot() bool {
	max := int32(s.Cfg.Limits.ClientCountMax)
	if max <= 0 {
		return true
	}
	for {
		cur := s.clientCount.Load()
		if cur >= max {
			return false
		}
		if s.clientCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Server) releaseSlot() { s.clientCount.Add(-1) }

func kindName(kind config.ListenerKind) string {
	switch kind {
	case config.KindSubmission:
		return "submission"
	case config.KindTunneled:
		return "tunneled"
	default:
		return "opportunistic"
	}
}

func mapKind(kind config.ListenerKind) model.ConnectionKind {
	switch kind {
	case config.KindSubmission:
		return model.KindSubmission
	case config.KindTunneled:
		return model.KindTunneled
	default:
		return model.KindOpportunistic
	}
}

// handleConn drives one connection end-to-end. Every failure path
// still closes raw via the deferred Close.
func (s *Server) handleConn(raw net.Conn, kind config.ListenerKind) {
	defer raw.Close()

	if !s.acquireSlot() {
		_, _ = raw.Write([]byte(s.Registry.Text(reply.ConnectionMaxReached)))
		return
	}
	defer s.releaseSlot()

	metrics.ConnectionsTotal.WithLabelValues(kindName(kind)).Inc()

	mctx := model.NewMailContext(raw.RemoteAddr(), "", mapKind(kind))
	conn := connection.New(raw, s.Registry, s.Cfg.Limits, s.Log, mctx)

	if kind == config.KindTunneled {
		if s.Cfg.TLS == nil {
			return
		}
		if err := conn.UpgradeTLS(s.Cfg.TLS); err != nil {
			s.Log.Error("receiver: tunneled TLS handshake failed", err)
			return
		}
	}

	vm, err := s.PolicyFactory()
	if err != nil {
		s.Log.Error("receiver: policy VM construction failed", err)
		return
	}
	engine := rules.New(vm, s.view, s.Log)
	authFactory := func() transaction.AuthStepper {
		return auth.NewBridge(s.Creds, s.EnableLogin, func(string) {})
	}
	driver := transaction.New(s.Cfg, engine, authFactory, kind)

	if !s.dispatch(conn, driver, mctx, transaction.StateConnect, driver.Greeting(mctx)) {
		return
	}

	parser := event.NewParser(s.Cfg.Limits.CommandLineMax)

	for {
		prevState := driver.State()
		timeout := s.stateTimeout(prevState)
		line, outcome, code := conn.NextLine(timeout)

		switch outcome {
		case connection.OutcomeTimeout:
			_ = conn.Send(code)
			return
		case connection.OutcomeClientClosed:
			return
		}
		if code != "" {
			if out, _ := conn.SendWithBudget(code); out == connection.OutcomeHardQuit {
				return
			}
			continue
		}

		var action transaction.Action
		switch prevState {
		case transaction.StateAuthenticating:
			action = driver.ContinueAuth(mctx, line)
		case transaction.StateData:
			dr := event.ParseData(line)
			action = driver.Step(mctx, event.Event{Kind: dr.Kind, Arg: dr.Line})
		default:
			pr := parser.ParseCmd(line)
			if pr.ReplyCode != "" {
				if out, _ := conn.SendWithBudget(reply.Code(pr.ReplyCode)); out == connection.OutcomeHardQuit {
					return
				}
				continue
			}
			action = driver.Step(mctx, pr.Event)
		}

		if !s.dispatch(conn, driver, mctx, prevState, action) {
			return
		}
	}
}

// stateTimeout resolves the per-state read timeout (spec.md §5,
// default 10s), falling back when the configured map has no entry for
// this state.
func (s *Server) stateTimeout(state transaction.State) time.Duration {
	if d, ok := s.Cfg.Limits.StateTimeout[state.String()]; ok && d > 0 {
		return d
	}
	return 10 * time.Second
}

// dispatch realizes one Action: it sends the reply, performs the
// line-mode and TLS side effects the transition implies, runs the
// post-receive hook on a completed transaction, and reports whether
// the read loop should continue.
func (s *Server) dispatch(conn *connection.Conn, driver *transaction.Driver, ctx *model.MailContext, prevState transaction.State, action transaction.Action) bool {
	if prevState == transaction.StateData && action.NextState != transaction.StateData {
		conn.SetCommandLineMode()
	}
	if action.NextState == transaction.StateData {
		conn.SetDataLineMode()
	}

	switch action.Kind {
	case transaction.ActionClose:
		if action.ReplyText != "" {
			_ = conn.Send(reply.Code(action.ReplyText))
		}
		return false

	case transaction.ActionUpgradeTLS:
		if action.ReplyText != "" {
			_ = conn.Send(reply.Code(action.ReplyText))
		}
		if err := conn.UpgradeTLS(s.tlsConfig()); err != nil {
			_ = conn.Send(reply.Code454)
			_ = conn.Send(reply.Code221)
			return false
		}
		ctx.BeginHeloTransaction("")
		driver.ResetAfterTLS()
		return true

	case transaction.ActionAuthContinue:
		_ = conn.SendRaw(conn.Registry.Challenge(action.ReplyText))
		return true

	case transaction.ActionTransactionDone:
		code := s.onMail(ctx)
		_ = conn.Send(code)
		return true

	default: // ActionReply
		if action.ReplyText == "" {
			return true
		}
		if out, _ := conn.SendWithBudget(reply.Code(action.ReplyText)); out == connection.OutcomeHardQuit {
			return false
		}
		return true
	}
}

func (s *Server) tlsConfig() *tls.Config {
	if s.Cfg.TLS != nil {
		return s.Cfg.TLS
	}
	return &tls.Config{}
}

// onMail implements MailHandler::on_mail (spec.md §4.8): route a
// completed transaction by metadata.skipped, persist it, and notify
// the owning processor. Any I/O failure maps to the 555 permanent
// failure family rather than silently acking a message mailgate never
// actually wrote down.
func (s *Server) onMail(ctx *model.MailContext) reply.Code {
	ctx.RLock()
	var skipped *model.Status
	var messageID string
	if ctx.Metadata != nil {
		skipped = ctx.Metadata.Skipped
		messageID = ctx.Metadata.MessageID
	}
	ctx.RUnlock()

	switch {
	case skipped != nil && skipped.Kind == model.StatusQuarantine:
		if err := s.Store.WriteQuarantineDirect(ctx, skipped.Quarantine); err != nil {
			s.Log.Error("receiver: quarantine write failed", err)
			return reply.Code555
		}
		return reply.Code250

	case skipped != nil && skipped.Kind == model.StatusDelegated:
		return reply.Code250

	case skipped != nil:
		if err := s.Store.Write(model.Deliver, ctx); err != nil {
			s.Log.Error("receiver: delivery queue write failed", err)
			return reply.Code555
		}
		s.notify(s.DeliveryNotify, messageID)
		return reply.Code250

	default:
		if err := s.Store.Write(model.Working, ctx); err != nil {
			s.Log.Error("receiver: working queue write failed", err)
			return reply.Code555
		}
		s.notify(s.WorkingNotify, messageID)
		return reply.Code250
	}
}

// notify is a non-blocking send: a full processor channel must never
// stall the receiver pool (spec.md §5's three independent worker
// pools), so a saturated channel just logs and the queued file is
// picked up on the processor's next sweep instead.
func (s *Server) notify(ch chan<- string, messageID string) {
	if ch == nil {
		return
	}
	select {
	case ch <- messageID:
	default:
		s.Log.Printf("receiver: %s notification channel full, dropping notify for %s", "processor", messageID)
	}
}
