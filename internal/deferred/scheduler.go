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

// Package deferred implements the retry scheduler (spec.md §4.12,
// C13): a single long-lived timer task, independent of the working
// and delivery worker pools, that walks the deferred queue and
// re-dispatches every message still owed a retry.
package deferred

import (
	"context"
	"time"

	"github.com/mailgate/mailgate/framework/log"
	"github.com/mailgate/mailgate/internal/delivery"
	"github.com/mailgate/mailgate/internal/model"
	"github.com/mailgate/mailgate/internal/queuestore"
)

// Scheduler re-dispatches the deferred queue on a fixed period
// (spec.md §4.12). It reuses delivery.Dispatch verbatim -- the
// scheduler performs no rule-engine evaluation of its own, since
// spec.md §4.12 names only the retry-count check and re-dispatch, not
// a further policy stage.
type Scheduler struct {
	Store    *queuestore.Store
	Registry delivery.Registry
	Log      log.Logger

	// Period is the sweep interval (spec.md §4.12's
	// queues.deferred_cron_period, default 10s).
	Period time.Duration
	// RetryMax is the attempt ceiling before a message is given up on
	// (spec.md §4.12's queues.deferred_retry_max, default 100).
	RetryMax uint32
}

// Run sweeps the deferred queue every p.Period until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	period := s.Period
	if period <= 0 {
		period = 10 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	retryMax := s.RetryMax
	if retryMax == 0 {
		retryMax = 100
	}

	ids, err := s.Store.List(model.Deferred)
	if err != nil {
		s.Log.Error("deferred: list", err)
		return
	}
	for _, id := range ids {
		s.processOne(ctx, id, retryMax)
	}
}

func (s *Scheduler) processOne(ctx context.Context, id string, retryMax uint32) {
	mctx, err := s.Store.ReadContext(model.Deferred, id)
	if err != nil {
		s.Log.Error("deferred: read", err)
		return
	}

	if mctx.Metadata != nil && mctx.Metadata.Retry >= retryMax {
		if err := s.Store.Move(model.Deferred, model.Dead, mctx); err != nil {
			s.Log.Error("deferred: move to dead", err)
		}
		return
	}

	delivery.Dispatch(ctx, s.Registry, mctx)

	if delivery.AllSent(mctx) {
		if err := s.Store.Remove(model.Deferred, id); err != nil {
			s.Log.Error("deferred: remove", err)
		}
		return
	}

	if mctx.Metadata != nil {
		mctx.Metadata.Retry++
	}
	if err := s.Store.Write(model.Deferred, mctx); err != nil {
		s.Log.Error("deferred: rewrite", err)
	}
}
