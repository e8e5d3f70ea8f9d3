package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/trackforge/ingest/internal/metrics"
)

// Message is one log-sink record. Key selects the partition (ordering key);
// the producer delivers in order per key, at least once.
type Message struct {
	Key   string
	Value []byte
}

// Producer is the log sink contract. Messages are queued post-commit and
// batched/acked asynchronously by the implementation.
type Producer interface {
	Queue(ctx context.Context, topic string, msgs []Message) error
	Close() error
}

// PubSubProducer publishes to Google Cloud Pub/Sub topics with message
// ordering enabled. Publish results are drained off the hot path.
type PubSubProducer struct {
	client *pubsub.Client
	log    *zap.SugaredLogger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubProducer connects to Pub/Sub. Topics are resolved lazily and
// created on first use if missing.
func NewPubSubProducer(projectID string, log *zap.SugaredLogger) (*PubSubProducer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	log.Infow("Pub/Sub producer connected", "project", projectID)
	return &PubSubProducer{
		client: client,
		log:    log,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (p *PubSubProducer) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	if t, ok := p.topics[name]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists(%s): %w", name, err)
	}
	if !exists {
		t, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic(%s): %w", name, err)
		}
		p.log.Infow("created topic", "topic", name)
	}
	t.EnableMessageOrdering = true

	p.mu.Lock()
	p.topics[name] = t
	p.mu.Unlock()
	return t, nil
}

// Queue publishes msgs to topic keyed by Message.Key. The call returns once
// the messages are handed to the client's internal batcher; publish results
// are checked in a background goroutine so a slow broker never stalls event
// processing.
func (p *PubSubProducer) Queue(ctx context.Context, topic string, msgs []Message) error {
	t, err := p.topic(ctx, topic)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		result := t.Publish(ctx, &pubsub.Message{
			Data:        msg.Value,
			OrderingKey: msg.Key,
		})
		go func(key string) {
			if _, err := result.Get(context.Background()); err != nil {
				metrics.ProducerMessages.WithLabelValues(topic, "error").Inc()
				p.log.Errorw("publish failed", "topic", topic, "key", key, "error", err)
				// A failed publish poisons the ordering key until resumed.
				t.ResumePublish(key)
				return
			}
			metrics.ProducerMessages.WithLabelValues(topic, "ok").Inc()
		}(msg.Key)
	}
	return nil
}

func (p *PubSubProducer) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

var _ Producer = (*PubSubProducer)(nil)

// MockProducer records queued messages in memory. Used in tests and in
// row-sink deployments that have no log producer configured.
type MockProducer struct {
	mu       sync.Mutex
	messages map[string][]Message
}

func NewMockProducer() *MockProducer {
	return &MockProducer{messages: make(map[string][]Message)}
}

func (m *MockProducer) Queue(_ context.Context, topic string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[topic] = append(m.messages[topic], msgs...)
	return nil
}

func (m *MockProducer) Close() error { return nil }

// Messages returns a copy of everything queued to topic.
func (m *MockProducer) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[topic]))
	copy(out, m.messages[topic])
	return out
}

var _ Producer = (*MockProducer)(nil)
