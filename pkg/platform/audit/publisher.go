package audit

import (
	"context"
	"errors"
	"time"
)

// Publisher stamps events and fans them out to every configured sink. A sink
// failure does not stop delivery to the others.
type Publisher struct {
	sinks []Store
	now   func() time.Time
}

func NewPublisher(sinks ...Store) *Publisher {
	return &Publisher{sinks: sinks, now: time.Now}
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}
	if event.Category == "" {
		event.Category = AuditEvent(event.Action).Category()
	}
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
