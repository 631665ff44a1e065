// Package kafka forwards broker events to a Kafka topic for external-system
// sync. Records are keyed by aggregate id so per-job and per-workflow ordering
// survives partitioning; consumers dedupe on the event id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/gpuforge/broker/internal/domain"
)

// Forwarder wraps a Kafka producer for the event-forwarding consumer group.
type Forwarder struct {
	client *kgo.Client
	topic  string
}

// NewForwarder constructs a Forwarder and ensures the topic exists.
func NewForwarder(ctx context.Context, brokers []string, topic string) (*Forwarder, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic name cannot be empty")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if err := createTopicIfNotExists(ctx, client, topic, 3, 1); err != nil {
		slog.Warn("topic create failed, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Forwarder{client: client, topic: topic}, nil
}

// Forward publishes one stored event synchronously. Safe to retry: downstream
// consumers dedupe on the event id carried in the payload.
func (f *Forwarder) Forward(ctx context.Context, se domain.StoredEvent) error {
	value, err := json.Marshal(se.Event)
	if err != nil {
		return fmt.Errorf("op=kafka.Forward: marshal event %s: %w", se.Event.ID, err)
	}
	rec := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(se.Event.AggregateID()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(se.Event.Type)},
			{Key: "stream_id", Value: []byte(se.StreamID)},
		},
	}
	if err := f.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.Forward: produce event %s: %w", se.Event.ID, err)
	}
	return nil
}

// Close flushes and releases the producer.
func (f *Forwarder) Close() {
	f.client.Close()
}

// createTopicIfNotExists creates the topic via the admin API, treating
// TOPIC_ALREADY_EXISTS as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			if tr.ErrorCode == 36 {
				return nil
			}
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
	}
	return nil
}
