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

// Package metrics exposes the Prometheus counters/gauges named in
// SPEC_FULL.md's A6 section: ambient observability carried even
// though spec.md's Non-goals exclude a dashboards layer, following
// the teacher's own prometheus/client_golang usage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mailgate/mailgate/internal/model"
)

var (
	// RepliesTotal counts every SMTP reply sent, by three-digit code.
	RepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Subsystem: "receiver",
		Name:      "replies_total",
		Help:      "Total SMTP replies sent, labeled by reply code.",
	}, []string{"code"})

	// ConnectionsTotal counts accepted connections by listener kind.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Subsystem: "receiver",
		Name:      "connections_total",
		Help:      "Total accepted connections, labeled by listener kind.",
	}, []string{"kind"})

	// AuthAttemptsTotal counts SASL authentication attempts by outcome.
	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Total authentication attempts, labeled by outcome (ok, failed).",
	}, []string{"outcome"})

	// QueueDepth reports the number of messages currently on disk in
	// each queue, refreshed by a periodic sweep (see ObserveQueueDepths
	// below).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mailgate",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of messages currently resident in each on-disk queue.",
	}, []string{"queue"})

	// DeliveryAttemptsTotal counts transport delivery attempts by
	// transport name and outcome.
	DeliveryAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailgate",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Total per-recipient delivery attempts, labeled by transport and outcome.",
	}, []string{"transport", "outcome"})
)

// Lister is any type that can enumerate one queue's message IDs
// (queuestore.Store already satisfies this); ObserveQueueDepths reads
// the queue depths through it.
type Lister interface {
	List(q model.Queue) ([]string, error)
}

// ObserveQueueDepths updates QueueDepth for every queue from store,
// meant to be called on the same period as the deferred scheduler's
// sweep.
func ObserveQueueDepths(store Lister) {
	for _, q := range []model.Queue{model.Working, model.Deliver, model.Deferred, model.QuarantineQueue, model.Dead} {
		ids, err := store.List(q)
		if err != nil {
			continue
		}
		QueueDepth.WithLabelValues(q.DirName()).Set(float64(len(ids)))
	}
}
