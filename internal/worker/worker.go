package worker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"hostpanel/internal/metrics"
	"hostpanel/internal/repository"
)

// Subjects carrying lifecycle events.
var Subjects = []string{"instances.>", "balance.>"}

// EventWorker listens for lifecycle events on NATS and appends them to the
// event log.
type EventWorker struct {
	log      repository.EventLog
	metrics  *metrics.Metrics
	natsConn *nats.Conn
}

func NewEventWorker(eventLog repository.EventLog, nc *nats.Conn, m *metrics.Metrics) *EventWorker {
	return &EventWorker{
		log:      eventLog,
		metrics:  m,
		natsConn: nc,
	}
}

// Run subscribes to the event subjects and blocks until ctx is cancelled.
func (w *EventWorker) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	for _, subject := range Subjects {
		// Queue group: with several replicas each event is recorded by one of them.
		sub, err := w.natsConn.QueueSubscribe(subject, "event_worker_group", func(m *nats.Msg) {
			event, err := w.process(ctx, m.Data)
			if err != nil {
				log.Error().Err(err).
					Str("subject", m.Subject).
					Str("event_id", event.ID).
					Msg("worker: failed to record lifecycle event")
				return
			}
			log.Debug().
				Str("event_id", event.ID).
				Str("type", event.Type).
				Str("account_id", event.AccountID).
				Msg("worker: lifecycle event recorded")
		})
		if err != nil {
			return fmt.Errorf("worker: failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	log.Info().Strs("subjects", Subjects).Msg("Event worker is running")

	<-ctx.Done()

	log.Info().Msg("Event worker received shutdown signal, draining subscriptions")
	var firstErr error
	for _, sub := range subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start implements the infrastructure.Server interface.
func (w *EventWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop is a no-op; shutdown is driven by ctx.
func (w *EventWorker) Stop(ctx context.Context) error {
	return nil
}
