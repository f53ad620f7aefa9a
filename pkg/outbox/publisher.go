package outbox

import (
	"context"
	"sync"

	"github.com/leakytokens/tokend/pkg/observability"
)

// Publisher delivers a record's payload to the event channel. The key
// carries the partitioning identity (tenant ID) so downstream brokers
// preserve per-tenant order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic, key string, payload []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return f(ctx, topic, key, payload)
}

// LogPublisher writes events to the structured log. Used when no broker
// is configured, typically in development.
type LogPublisher struct {
	logger *observability.Logger
}

// NewLogPublisher creates a publisher that logs every event.
func NewLogPublisher(logger *observability.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.logger.WithFields(map[string]interface{}{
		"topic":   topic,
		"key":     key,
		"payload": string(payload),
	}).Info("outbox event published")
	return nil
}

// CapturePublisher records published events in memory, for tests.
type CapturePublisher struct {
	mu     sync.Mutex
	events []CapturedEvent
	// Fail, when non-nil, is consulted per event to inject failures.
	Fail func(topic, key string) error
}

// CapturedEvent is one event seen by a CapturePublisher.
type CapturedEvent struct {
	Topic   string
	Key     string
	Payload []byte
}

func (p *CapturePublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if p.Fail != nil {
		if err := p.Fail(topic, key); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	p.events = append(p.events, CapturedEvent{Topic: topic, Key: key, Payload: cp})
	return nil
}

// Events returns a copy of everything published so far.
func (p *CapturePublisher) Events() []CapturedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CapturedEvent, len(p.events))
	copy(out, p.events)
	return out
}
