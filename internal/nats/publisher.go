package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishSyncJob enqueues a sync run for the worker.
func (p *Publisher) PublishSyncJob(ctx context.Context, msg SyncJobMessage) error {
	return p.publish(ctx, SubjectSyncJobs, msg)
}

// PublishSyncCompleted publishes a sync run outcome for observers.
func (p *Publisher) PublishSyncCompleted(ctx context.Context, event SyncCompletedEvent) error {
	return p.publish(ctx, SubjectSyncEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
