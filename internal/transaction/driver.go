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

package transaction

import (
	"encoding/base64"
	"strings"

	"github.com/mailgate/mailgate/framework/address"
	"github.com/mailgate/mailgate/framework/buffer"
	"github.com/mailgate/mailgate/framework/config"
	"github.com/mailgate/mailgate/internal/auth"
	"github.com/mailgate/mailgate/internal/event"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/reply"
)

// Stage names the rule-engine evaluation points (spec.md §4.6).
type Stage int

const (
	StageConnect Stage = iota
	StageHelo
	StageMail
	StageRcpt
	StagePreQ
	StagePostQ
	StageDelivery
)

// RuleHook is the narrow surface the state machine needs from the
// rule engine bridge (C7); it is defined here, not in package rules,
// so transaction has no import-time dependency on the engine's own
// dependencies (script VM, matchers).
type RuleHook interface {
	Eval(stage Stage, ctx *model.MailContext) model.Status
	Reset()
}

// AuthStepper is the narrow surface needed from the SASL bridge (C8).
// Step is called once per AUTH round-trip; done reports whether the
// exchange has concluded (success or failure), in which case challenge
// is meaningless.
type AuthStepper interface {
	Start(mechanism string, initial []byte) (challenge []byte, done bool, ok bool, err error)
	Step(response []byte) (challenge []byte, done bool, ok bool, err error)
}

// Driver holds the mutable session state that outlives any single
// Step call: the current State, pending queue handoff, and the
// in-flight AUTH exchange if any.
type Driver struct {
	state State

	cfg   *config.Config
	rules RuleHook
	auth  func() AuthStepper // factory, since each AUTH command needs a fresh exchange

	activeAuth  AuthStepper
	dataBuf     buffer.Buffer
	domain      string
	isSubmission bool
}

// New builds a Driver starting in StateConnect.
func New(cfg *config.Config, rules RuleHook, authFactory func() AuthStepper, listenerKind config.ListenerKind) *Driver {
	return &Driver{
		state:        StateConnect,
		cfg:          cfg,
		rules:        rules,
		auth:         authFactory,
		domain:       cfg.Domain,
		isSubmission: listenerKind == config.KindSubmission,
	}
}

func (d *Driver) State() State { return d.state }

// ResetAfterTLS returns the driver to StateHelo once a STARTTLS
// handshake completes (spec.md §4.8: "the pre-TLS transaction state is
// discarded (RFC 3207 requires the client to re-issue EHLO)"). The
// caller is responsible for clearing ctx's envelope/body/metadata
// (model.MailContext.BeginHeloTransaction("")) before resuming the
// read loop.
func (d *Driver) ResetAfterTLS() {
	d.state = StateHelo
	d.activeAuth = nil
}

// Greeting is called once, before the first Step, to produce the
// banner (spec.md §4.5, "Connect -> Helo on valid HELO/EHLO", the
// greeting precedes any client input).
func (d *Driver) Greeting(ctx *model.MailContext) Action {
	if d.rules != nil {
		st := d.rules.Eval((StageConnect), ctx)
		if st.Kind == model.StatusDeny {
			d.state = StateStop
			return Action{Kind: ActionClose, NextState: StateStop, ReplyText: string(codeOrDefault(st.DenyCode, reply.Code554))}
		}
	}
	return Action{Kind: ActionReply, NextState: StateConnect, ReplyText: string(reply.Greetings)}
}

func codeOrDefault(code string, def reply.Code) reply.Code {
	if code == "" {
		return def
	}
	return reply.Code(code)
}

// Step advances the machine by one parsed event, per the transition
// table of spec.md §4.5.
func (d *Driver) Step(ctx *model.MailContext, ev event.Event) Action {
	// RSET and QUIT are valid in any non-terminal state.
	switch ev.Kind {
	case event.KRset:
		ctx.ResetTransaction()
		if d.rules != nil {
			d.rules.Reset()
		}
		d.state = StateHelo
		return d.replyIn(StateHelo, reply.Code250)
	case event.KQuit:
		d.state = StateStop
		return Action{Kind: ActionClose, NextState: StateStop, ReplyText: string(reply.Code221)}
	case event.KNoop:
		return d.replyIn(d.state, reply.Code250)
	case event.KVrfy, event.KExpn:
		return d.replyIn(d.state, reply.Code502Unimplemented)
	case event.KHelp:
		return d.replyIn(d.state, reply.Help)
	}

	switch d.state {
	case StateConnect, StateHelo:
		return d.stepHelo(ctx, ev)
	case StateNegotiationTLS:
		return d.replyIn(d.state, reply.Code503)
	case StateAuthenticating:
		return d.stepAuth(ctx, ev)
	case StateMailFrom:
		return d.stepMailFrom(ctx, ev)
	case StateRcptTo:
		return d.stepRcptTo(ctx, ev)
	case StateData:
		return d.stepData(ctx, ev)
	default:
		return Action{Kind: ActionClose, NextState: StateStop}
	}
}

func (d *Driver) replyIn(state State, code reply.Code) Action {
	return Action{Kind: ActionReply, NextState: state, ReplyText: string(code)}
}

func (d *Driver) stepHelo(ctx *model.MailContext, ev event.Event) Action {
	switch ev.Kind {
	case event.KHelo:
		ctx.BeginHeloTransaction(ev.Domain)
		if st := d.evalHelo(ctx); st.Kind == model.StatusDeny {
			return d.denyClose(st)
		}
		d.state = StateHelo
		return d.replyIn(StateHelo, reply.Code250)
	case event.KEhlo:
		if d.cfg.DisableEHLO {
			return d.replyIn(d.state, reply.Code502Unimplemented)
		}
		ctx.BeginHeloTransaction(ev.Domain)
		if st := d.evalHelo(ctx); st.Kind == model.StatusDeny {
			return d.denyClose(st)
		}
		d.state = StateHelo
		ctx.RLock()
		secured := ctx.Connection.IsSecured
		ctx.RUnlock()
		code := reply.Code250PlainEsmtp
		if secured {
			code = reply.Code250SecuredEsmtp
		}
		return d.replyIn(StateHelo, code)
	case event.KStartTLS:
		if d.state != StateHelo {
			return d.replyIn(d.state, reply.Code503)
		}
		ctx.RLock()
		secured := ctx.Connection.IsSecured
		ctx.RUnlock()
		if secured {
			return d.replyIn(StateHelo, reply.Code503)
		}
		d.state = StateNegotiationTLS
		return Action{Kind: ActionUpgradeTLS, NextState: StateNegotiationTLS, ReplyText: string(reply.Code220Proceed)}
	case event.KAuth:
		if d.state != StateHelo {
			return d.replyIn(d.state, reply.Code503)
		}
		return d.beginAuth(ctx, ev)
	case event.KMail:
		if d.state != StateHelo {
			return d.replyIn(d.state, reply.Code503)
		}
		if d.cfg.TLSLevel == config.TLSEncrypt {
			ctx.RLock()
			secured := ctx.Connection.IsSecured
			ctx.RUnlock()
			if !secured {
				return d.replyIn(d.state, reply.Code530)
			}
		}
		if d.cfg.EnableDangerousAuthInClair == false && len(d.cfg.AuthMechanisms) > 0 && d.isSubmission {
			ctx.RLock()
			authed := ctx.Connection.IsAuthenticated
			ctx.RUnlock()
			if !authed {
				return d.replyIn(d.state, reply.AuthRequired)
			}
		}
		return d.stepMailFrom(ctx, ev)
	default:
		return d.replyIn(d.state, reply.Code503)
	}
}

func (d *Driver) evalHelo(ctx *model.MailContext) model.Status {
	if d.rules == nil {
		return model.Continue()
	}
	return d.rules.Eval((StageHelo), ctx)
}

func (d *Driver) denyClose(st model.Status) Action {
	d.state = StateStop
	return Action{Kind: ActionClose, NextState: StateStop, ReplyText: string(codeOrDefault(st.DenyCode, reply.Code554))}
}

func (d *Driver) beginAuth(ctx *model.MailContext, ev event.Event) Action {
	if d.cfg.TLSLevel != config.TLSNone {
		ctx.RLock()
		secured := ctx.Connection.IsSecured
		ctx.RUnlock()
		if !secured {
			return d.replyIn(d.state, reply.AuthMechanismMustBeEncrypted)
		}
	}

	if strings.EqualFold(ev.Mechanism, "LOGIN") && ev.HasInitialResp {
		return d.replyIn(d.state, reply.Auth501ClientMustNotStart)
	}

	d.activeAuth = d.auth()
	var initial []byte
	if ev.HasInitialResp && ev.InitialResponse != "" {
		decoded, err := base64.StdEncoding.DecodeString(ev.InitialResponse)
		if err != nil {
			return d.replyIn(d.state, reply.Auth501BadBase64)
		}
		initial = decoded
	}
	challenge, done, ok, err := d.activeAuth.Start(ev.Mechanism, initial)
	if err == auth.ErrUnsupportedMechanism {
		d.activeAuth = nil
		return d.replyIn(d.state, reply.AuthMechanismNotSupported)
	}
	return d.finishAuthRound(ctx, challenge, done, ok, err)
}

// ContinueAuth feeds one raw line of an in-progress AUTH exchange
// (spec.md §4.7): the caller (the receiver orchestrator) must route
// here instead of through Step/ParseCmd, since the line is base64 (or
// "*"), never an SMTP command, and must not be misread as one.
func (d *Driver) ContinueAuth(ctx *model.MailContext, line string) Action {
	return d.stepAuth(ctx, event.Event{Arg: line})
}

// stepAuth handles one line of an in-progress AUTH exchange. The
// caller feeds the raw line through as ev.Arg (it is not itself a
// parsed SMTP command); '*' cancels the exchange per RFC 4954 §4.
func (d *Driver) stepAuth(ctx *model.MailContext, ev event.Event) Action {
	if ev.Arg == "*" {
		d.state = StateHelo
		d.activeAuth = nil
		return d.replyIn(StateHelo, reply.Auth501Canceled)
	}
	decoded, err := base64.StdEncoding.DecodeString(ev.Arg)
	if err != nil {
		d.state = StateHelo
		d.activeAuth = nil
		return d.replyIn(StateHelo, reply.Auth501BadBase64)
	}
	challenge, done, ok, serr := d.activeAuth.Step(decoded)
	return d.finishAuthRound(ctx, challenge, done, ok, serr)
}

func (d *Driver) finishAuthRound(ctx *model.MailContext, challenge []byte, done, ok bool, err error) Action {
	if err != nil || (done && !ok) {
		ctx.Lock()
		ctx.Connection.AuthenticationAttempts++
		attempts := ctx.Connection.AuthenticationAttempts
		ctx.Unlock()
		d.state = StateHelo
		d.activeAuth = nil

		if d.cfg.Limits.AuthAttemptsMax >= 0 && int(attempts) > d.cfg.Limits.AuthAttemptsMax {
			d.state = StateStop
			return Action{Kind: ActionClose, NextState: StateStop, ReplyText: string(reply.AuthRequired)}
		}
		return d.replyIn(StateHelo, reply.Auth535InvalidCredentials)
	}
	if done && ok {
		ctx.Lock()
		ctx.Connection.IsAuthenticated = true
		ctx.Unlock()
		d.state = StateHelo
		d.activeAuth = nil
		return d.replyIn(StateHelo, reply.Auth235Success)
	}
	d.state = StateAuthenticating
	return Action{
		Kind:      ActionAuthContinue,
		NextState: StateAuthenticating,
		ReplyText: base64.StdEncoding.EncodeToString(challenge),
	}
}

func (d *Driver) stepMailFrom(ctx *model.MailContext, ev event.Event) Action {
	if ev.Kind != event.KMail {
		return d.replyIn(d.state, reply.Code503)
	}
	addr, err := address.Parse(ev.ReversePath, true)
	if err != nil {
		return d.replyIn(d.state, reply.Code501)
	}
	ctx.Lock()
	ctx.Envelope.MailFrom = addr
	ctx.Unlock()

	if d.rules != nil {
		d.rules.Reset()
		if st := d.rules.Eval((StageMail), ctx); st.Kind == model.StatusDeny {
			return d.denyClose(st)
		}
	}
	d.state = StateRcptTo
	return d.replyIn(StateRcptTo, reply.Code250)
}

func (d *Driver) stepRcptTo(ctx *model.MailContext, ev event.Event) Action {
	switch ev.Kind {
	case event.KRcpt:
		addr, err := address.Parse(ev.ForwardPath, false)
		if err != nil {
			return d.replyIn(d.state, reply.Code501)
		}
		ctx.Lock()
		if d.cfg.Limits.RcptCountMax > 0 && ctx.Envelope.Len() >= d.cfg.Limits.RcptCountMax {
			ctx.Unlock()
			return d.replyIn(d.state, reply.Code452TooManyRecipients)
		}
		_, _ = ctx.Envelope.InsertRcpt(addr)
		ctx.Unlock()

		if d.rules != nil {
			if st := d.rules.Eval((StageRcpt), ctx); st.Kind == model.StatusDeny {
				return d.denyClose(st)
			}
		}
		return d.replyIn(StateRcptTo, reply.Code250)
	case event.KData:
		ctx.RLock()
		n := ctx.Envelope.Len()
		ctx.RUnlock()
		if n == 0 {
			return d.replyIn(d.state, reply.Code503)
		}
		d.state = StateData
		d.dataBuf.Reset()
		return Action{Kind: ActionReply, NextState: StateData, ReplyText: string(reply.Code354)}
	default:
		return d.replyIn(d.state, reply.Code503)
	}
}

// stepData handles the DATA phase proper (spec.md §4.5's "Data" row):
// lines accumulate un-stuffed into dataBuf; DataEnd assigns the
// message_id (the one point spec.md §3 allows it), runs the `preq`
// stage, and either aborts the transaction (Deny/Block) or hands the
// assembled context to the caller as a completed transaction
// (Quarantine marks it skipped first, so the receiver orchestrator
// routes it straight to the quarantine folder instead of `working`).
func (d *Driver) stepData(ctx *model.MailContext, ev event.Event) Action {
	switch ev.Kind {
	case event.KDataLine:
		d.dataBuf.Append(ev.Arg)
		return Action{Kind: ActionReply, NextState: StateData}
	case event.KDataEnd:
		ctx.Lock()
		ctx.Body = model.RawBody(d.dataBuf.String())
		ctx.Metadata = &model.MessageMetadata{MessageID: model.NewMessageID(), Timestamp: ctx.Connection.Timestamp}
		ctx.Unlock()
		d.dataBuf.Reset()

		if d.rules != nil {
			st := d.rules.Eval((StagePreQ), ctx)
			switch st.Kind {
			case model.StatusDeny, model.StatusBlock:
				return d.denyClose(st)
			case model.StatusQuarantine:
				ctx.Lock()
				ctx.Metadata.Skipped = &st
				ctx.Unlock()
			}
		}
		d.state = StateHelo
		return Action{Kind: ActionTransactionDone, NextState: StateHelo, ReplyText: string(reply.Code250)}
	default:
		return d.replyIn(d.state, reply.Code503)
	}
}
