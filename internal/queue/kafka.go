package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaQueue is the franz-go-backed Queue used in deployed environments.
// One client handles both production and, per topic/group pair passed to
// Consume, its own consumer-group membership — the worker fleet and
// consolidator fleet each run one Consume loop per process, scaling
// horizontally via the consumer group the same way §5 describes
// process-level concurrency as the deployment-level scaling unit.
type KafkaQueue struct {
	client  *kgo.Client
	brokers []string
	log     *zap.SugaredLogger
}

func NewKafkaQueue(brokers []string, log *zap.SugaredLogger) (*KafkaQueue, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: new kafka client: %w", err)
	}
	return &KafkaQueue{client: client, brokers: brokers, log: log}, nil
}

func (q *KafkaQueue) Publish(ctx context.Context, topic string, msg Message) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(msg.Key), Value: msg.Value}
	res := q.client.ProduceSync(ctx, rec)
	return res.FirstErr()
}

// Consume polls fetches for (topic, group) and hands each record to h,
// committing only the records whose handler succeeded, in order, stopping
// at the first failure within a poll batch so a crash or redelivery never
// skips past an unacknowledged message — the same "commit only what
// succeeded" discipline as the pack's partition_reader commitLoop, but
// synchronous per-record rather than on a watermark ticker since work
// messages must not race ahead of their own DB-authorized continuation.
func (q *KafkaQueue) Consume(ctx context.Context, topic, group string, h Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(q.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return fmt.Errorf("queue: new consumer client: %w", err)
	}
	defer client.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetches := client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if errors.Is(e.Err, context.Canceled) {
					return nil
				}
				q.log.Errorw("queue fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
			}
			continue
		}

		failed := false
		fetches.EachRecord(func(rec *kgo.Record) {
			if failed {
				return
			}
			msg := Message{Key: string(rec.Key), Value: rec.Value}
			if err := h(ctx, msg); err != nil {
				q.log.Errorw("queue handler failed, will redeliver", "topic", topic, "error", err)
				failed = true
				return
			}
			client.MarkCommitRecords(rec)
		})
	}
}

func (q *KafkaQueue) Close() {
	q.client.Close()
}

// AdminClient exposes kadm for operational tasks (topic creation, offset
// inspection) outside the hot consume path.
func (q *KafkaQueue) AdminClient() *kadm.Client {
	return kadm.NewClient(q.client)
}
