package service

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hostpanel/internal/model"
	"hostpanel/internal/repository"
)

// publisher emits lifecycle events after committed state changes. Publish
// failures are logged and never affect the operation that produced them.
type publisher struct {
	bus repository.MessageBus
	now func() time.Time
}

func newPublisher(bus repository.MessageBus) *publisher {
	if bus == nil {
		bus = repository.NopBus{}
	}
	return &publisher{bus: bus, now: time.Now}
}

func (p *publisher) publish(e model.LifecycleEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("type", e.Type).Msg("Failed to encode lifecycle event")
		return
	}
	if err := p.bus.Publish(e.Type, data); err != nil {
		log.Warn().Err(err).Str("type", e.Type).Str("account_id", e.AccountID).Msg("Failed to publish lifecycle event")
	}
}
