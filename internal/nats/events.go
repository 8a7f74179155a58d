package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

const (
	// StreamName is the name of the change event stream.
	StreamName = "GRAPHCHAT_EVENTS"

	// SubjectPrefix is the prefix for all event subjects.
	SubjectPrefix = "graphchat"
)

// EventPublisher forwards store change events to JetStream.
type EventPublisher struct {
	client *Client
	logger *logger.Logger
}

// NewEventPublisher creates a new event publisher.
func NewEventPublisher(client *Client, log *logger.Logger) *EventPublisher {
	return &EventPublisher{client: client, logger: log}
}

// EnsureStream ensures the event stream exists.
func (p *EventPublisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Thread and message change events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(ev model.Event) string {
	thread := ev.ThreadID
	if thread == "" {
		thread = "_"
	}
	// Subject tokens may not contain dots or wildcards.
	thread = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(thread)
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, thread, ev.Kind)
}

// Publish publishes a single event.
func (p *EventPublisher) Publish(ctx context.Context, ev model.Event) (uint64, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := p.client.JetStream().Publish(ctx, EventSubject(ev), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// Run publishes events until ctx is done or events is closed.
func (p *EventPublisher) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if _, err := p.Publish(pubCtx, ev); err != nil {
				p.logger.Warn("failed to publish store event",
					zap.String("kind", string(ev.Kind)),
					zap.String("thread_id", ev.ThreadID),
					zap.Error(err),
				)
			}
			cancel()
		}
	}
}
