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

// Package rules implements the bridge between the transaction driver
// and a programmable policy VM (spec.md §4.6, C7): it evaluates one
// stage at a time, remembers sticky results so later stages are
// short-circuited without re-entering the VM, and drains the
// operation queue a stage produces into the mail context.
package rules

import (
	"sync"

	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/transaction"
)

// Stage re-exports the transaction package's stage enum so policy
// implementations don't need to import the state machine for anything
// but this one type.
type Stage = transaction.Stage

const (
	StageConnect  = transaction.StageConnect
	StageHelo     = transaction.StageHelo
	StageMail     = transaction.StageMail
	StageRcpt     = transaction.StageRcpt
	StagePreQ     = transaction.StagePreQ
	StagePostQ    = transaction.StagePostQ
	StageDelivery = transaction.StageDelivery
)

// OperationKind tags the post-stage operation queue spec.md §4.6
// describes: side effects a stage requests, applied by the Engine
// after the VM returns. applyOperations handles OpRemoveRcpt,
// OpSetTransfer and OpLog only; OpRewriteRcpt and OpAddRcpt are not
// applied and are dropped with a debug log line.
type OperationKind int

const (
	OpRewriteRcpt OperationKind = iota
	OpRemoveRcpt
	OpAddRcpt
	OpSetTransfer
	OpLog
)

// Operation is one deferred side effect produced by a stage.
type Operation struct {
	Kind    OperationKind
	Address string
	Message string
	Transfer model.Transfer
}

// ServerView is the read-only server-wide state a policy may consult
// (listener domain, resolver, credential backend) without being able
// to mutate receiver internals directly.
type ServerView interface {
	Domain() string
}

// PolicyVM is the pluggable scripting surface (spec.md §4.6, "script
// engine is swappable"). Reset clears any per-VM interpreter state
// between connections if the implementation caches one.
type PolicyVM interface {
	Eval(stage Stage, ctx *model.MailContext, view ServerView) (model.Status, []Operation)
	Reset()
}

// Engine adapts a PolicyVM into the transaction.RuleHook interface,
// owning the per-connection sticky-skip state (spec.md §4.6).
type Engine struct {
	mu     sync.Mutex
	vm     PolicyVM
	view   ServerView
	log    log.Logger
	sticky *model.Status
}

func New(vm PolicyVM, view ServerView, lg log.Logger) *Engine {
	return &Engine{vm: vm, view: view, log: lg}
}

// Eval implements transaction.RuleHook.
func (e *Engine) Eval(stage Stage, ctx *model.MailContext) model.Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sticky != nil {
		return *e.sticky
	}

	status, ops := e.vm.Eval(stage, ctx, e.view)
	e.applyOperations(ctx, ops)

	if status.Sticky() || status.IsDeny() {
		s := status
		e.sticky = &s
	}
	return status
}

func (e *Engine) applyOperations(ctx *model.MailContext, ops []Operation) {
	for _, op := range ops {
		switch op.Kind {
		case OpRemoveRcpt:
			e.removeRcpt(ctx, op.Address)
		case OpSetTransfer:
			e.setTransfer(ctx, op.Address, op.Transfer)
		case OpLog:
			e.log.Printf("%s", op.Message)
		default:
			e.log.Debugf("rules: unhandled operation kind %d", op.Kind)
		}
	}
}

func (e *Engine) removeRcpt(ctx *model.MailContext, addr string) {
	ctx.Lock()
	defer ctx.Unlock()
	kept := ctx.Envelope.Rcpt[:0]
	for _, r := range ctx.Envelope.Rcpt {
		if r.Address.Full() != addr {
			kept = append(kept, r)
		}
	}
	ctx.Envelope.Rcpt = kept
}

func (e *Engine) setTransfer(ctx *model.MailContext, addr string, t model.Transfer) {
	ctx.Lock()
	defer ctx.Unlock()
	for _, r := range ctx.Envelope.Rcpt {
		if r.Address.Full() == addr {
			r.TransferMethod = t
			return
		}
	}
}

// Reset clears the sticky-skip state and the underlying VM's state.
// The transaction driver calls it on RSET and at the start of every
// MAIL transaction; the receiver builds a fresh Engine per connection.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sticky = nil
	e.vm.Reset()
}
