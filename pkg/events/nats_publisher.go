package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes each event as JSON on {subject}.{kind}, so consumers
// can subscribe to {subject}.> or to a single kind.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher creates a NATSPublisher. An empty subject uses "uiaudit.events".
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = "uiaudit.events"
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// Subject returns the subject an event of the given kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.subject + "." + string(kind)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Kind, err)
	}
	return nil
}
