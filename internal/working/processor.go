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

// Package working implements the postq worker pool (spec.md §4.10,
// C11): the first processor to see a message after the receiver
// accepted it, responsible for running policy one more time against
// the complete body before a message is handed to delivery.
package working

import (
	"context"
	"sync"

	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/queuestore"
	"github.com/mailgate/mailgate/internal/rules"
	"github.com/mailgate/mailgate/internal/transaction"
)

// Processor drains message IDs off In and runs each through the postq
// rule-engine stage (spec.md §4.10). Each message gets its own
// rules.Engine/PolicyVM instance -- the teacher's Lua state is not
// safe to share across the goroutines in Workers.
type Processor struct {
	Store         *queuestore.Store
	PolicyFactory func() (rules.PolicyVM, error)
	View          rules.ServerView
	Log           log.Logger

	// DeliveryNotify carries a message ID on to the delivery pool once
	// postq has let it through (spec.md §4.10, "notify delivery
	// processor"); nil is valid and simply skips notification.
	DeliveryNotify chan<- string

	// Workers bounds the goroutine pool draining In (spec.md §5's
	// "working pool" sizing); zero means one worker.
	Workers int
}

// Run drains in until it is closed or ctx is cancelled, fanning out
// across Workers goroutines, then returns once every worker has
// exited.
func (p *Processor) Run(ctx context.Context, in <-chan string) {
	n := p.Workers
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			p.loop(ctx, in)
		}()
	}
	wg.Wait()
}

func (p *Processor) loop(ctx context.Context, in <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-in:
			if !ok {
				return
			}
			p.Process(id)
		}
	}
}

// Process runs one message ID through spec.md §4.10's algorithm. It
// is exported so a directory sweep (startup recovery, or a cron-style
// fallback over the working queue) can drive it directly without a
// channel in between.
func (p *Processor) Process(id string) {
	mctx, err := p.Store.ReadContext(model.Working, id)
	if err != nil {
		p.Log.Error("working: read", err)
		return
	}

	vm, err := p.PolicyFactory()
	if err != nil {
		p.Log.Error("working: policy VM construction failed", err)
		return
	}
	engine := rules.New(vm, p.View, p.Log)
	status := engine.Eval(transaction.StagePostQ, mctx)

	switch status.Kind {
	case model.StatusDeny:
		failAllRecipients(mctx, "rule engine denied the email.")
		if err := p.Store.Move(model.Working, model.Dead, mctx); err != nil {
			p.Log.Error("working: move to dead", err)
		}

	case model.StatusQuarantine:
		if err := p.Store.MoveToQuarantine(mctx, model.Working, status.Quarantine); err != nil {
			p.Log.Error("working: move to quarantine", err)
		}

	case model.StatusDelegated:
		// The context is re-written with metadata.skipped cleared and
		// left in working rather than removed: a delegate inspects the
		// body out-of-band and is expected to re-submit its verdict,
		// at which point this same message is re-read from working and
		// re-evaluated. mailgate carries no delegate transport of its
		// own (spec.md names delegation only as a rule-engine Status,
		// not a component); the re-submission path is therefore a
		// no-op placeholder until a delegate integration exists.
		mctx.Lock()
		if mctx.Metadata != nil {
			mctx.Metadata.Skipped = nil
		}
		mctx.Unlock()
		if err := p.Store.Write(model.Working, mctx); err != nil {
			p.Log.Error("working: re-write for delegation", err)
			return
		}
		p.Log.Printf("working: %s delegated to %q, no delegate transport configured", id, status.Delegator)

	default: // Continue, Accept, Faccept, Block and any other non-terminal verdict
		if err := p.Store.Move(model.Working, model.Deliver, mctx); err != nil {
			p.Log.Error("working: move to delivery", err)
			return
		}
		p.notify(messageIDOf(mctx))
	}
}

func failAllRecipients(ctx *model.MailContext, reason string) {
	ctx.Lock()
	defer ctx.Unlock()
	for _, r := range ctx.Envelope.Rcpt {
		r.EmailStatus = model.Failed(reason)
	}
}

func messageIDOf(ctx *model.MailContext) string {
	ctx.RLock()
	defer ctx.RUnlock()
	if ctx.Metadata == nil {
		return ""
	}
	return ctx.Metadata.MessageID
}

func (p *Processor) notify(messageID string) {
	if p.DeliveryNotify == nil {
		return
	}
	select {
	case p.DeliveryNotify <- messageID:
	default:
		p.Log.Printf("working: delivery notification channel full, dropping notify for %s", messageID)
	}
}
