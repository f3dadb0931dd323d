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

package delivery

import (
	"context"
	"sync"

	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/queuestore"
	"github.com/mailgate/mailgate/internal/rules"
	"github.com/mailgate/mailgate/internal/transaction"
)

// Processor implements spec.md §4.11: run the delivery rule-engine
// stage, then either quarantine/deny the whole message or add a trace
// header and dispatch each recipient to its Transport.
type Processor struct {
	Store         *queuestore.Store
	PolicyFactory func() (rules.PolicyVM, error)
	View          rules.ServerView
	Log           log.Logger
	Registry      Registry

	// ServerDomain names this instance in the trace header added
	// before first dispatch (spec.md §4.11).
	ServerDomain string

	Workers int
}

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
			p.Process(ctx, id)
		}
	}
}

// Process runs one message ID from the delivery queue through
// spec.md §4.11's algorithm.
func (p *Processor) Process(ctx context.Context, id string) {
	mctx, err := p.Store.ReadContext(model.Deliver, id)
	if err != nil {
		p.Log.Error("delivery: read", err)
		return
	}

	vm, err := p.PolicyFactory()
	if err != nil {
		p.Log.Error("delivery: policy VM construction failed", err)
		return
	}
	engine := rules.New(vm, p.View, p.Log)
	status := engine.Eval(transaction.StageDelivery, mctx)

	switch status.Kind {
	case model.StatusQuarantine:
		if err := p.Store.MoveToQuarantine(mctx, model.Deliver, status.Quarantine); err != nil {
			p.Log.Error("delivery: move to quarantine", err)
		}
		return

	case model.StatusDeny:
		failAllRecipients(mctx, "rule engine denied the email.")
		if err := p.Store.Move(model.Deliver, model.Dead, mctx); err != nil {
			p.Log.Error("delivery: move to dead", err)
		}
		return
	}

	AddTraceHeader(mctx, p.ServerDomain)
	Dispatch(ctx, p.Registry, mctx)

	// Both writes below are independent per spec.md §4.11: a message
	// can leave both a still-deferrable copy and a dead copy behind
	// when its recipients split across outcomes.
	if AnyHeldBack(mctx) {
		if err := p.Store.Write(model.Deferred, mctx); err != nil {
			p.Log.Error("delivery: write deferred", err)
		}
	}
	if AnyDead(mctx) {
		if err := p.Store.Write(model.Dead, mctx); err != nil {
			p.Log.Error("delivery: write dead", err)
		}
	}
	if err := p.Store.Remove(model.Deliver, id); err != nil {
		p.Log.Error("delivery: remove from delivery queue", err)
	}
}

func failAllRecipients(mctx *model.MailContext, reason string) {
	for _, r := range mctx.Envelope.Rcpt {
		r.EmailStatus = model.Failed(reason)
	}
}
