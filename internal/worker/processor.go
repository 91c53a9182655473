package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hostpanel/internal/model"
)

var errMalformedEvent = errors.New("malformed lifecycle event")

// process decodes one bus message and records it. Redelivered events are
// absorbed by the event log's primary key.
func (w *EventWorker) process(ctx context.Context, data []byte) (model.LifecycleEvent, error) {
	var event model.LifecycleEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" || event.AccountID == "" {
		return event, errMalformedEvent
	}
	if err := w.log.Record(ctx, event); err != nil {
		return event, err
	}
	w.metrics.RecordEvent()
	return event, nil
}
