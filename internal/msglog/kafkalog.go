package msglog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaLog implements Log over franz-go, the way
// ws/internal/shared/kafka/consumer.go wraps kgo.Client: one shared producer
// client plus one consumer client per Subscribe call, each with its own
// context for independent shutdown.
type KafkaLog struct {
	brokers []string
	logger  zerolog.Logger

	producer *kgo.Client
	admin    *kadm.Client

	mu          sync.Mutex
	subscribers []*kgo.Client
}

// NewKafkaLog dials the producer client; consumer clients are created lazily
// per Subscribe call so each topic/group pair gets independent fetch loops.
func NewKafkaLog(brokers []string, logger zerolog.Logger) (*KafkaLog, error) {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaLog{
		brokers:  brokers,
		logger:   logger,
		producer: producer,
		admin:    kadm.NewClient(producer),
	}, nil
}

func (l *KafkaLog) Publish(ctx context.Context, topic, key string, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	res := l.producer.ProduceSync(ctx, rec)
	return res.FirstErr()
}

func (l *KafkaLog) Subscribe(ctx context.Context, topic, groupID string) (<-chan Record, error) {
	return l.subscribe(ctx, topic, groupID, kgo.NewOffset().AtEnd())
}

// SubscribeBacklog starts a new consumer group from the earliest available
// offset, so the Forwarder can drain records left behind by a removed node.
func (l *KafkaLog) SubscribeBacklog(ctx context.Context, topic, groupID string) (<-chan Record, error) {
	return l.subscribe(ctx, topic, groupID, kgo.NewOffset().AtStart())
}

func (l *KafkaLog) subscribe(ctx context.Context, topic, groupID string, resetOffset kgo.Offset) (<-chan Record, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(l.brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(resetOffset),
		kgo.AutoCommitMarks(),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			l.logger.Info().Str("topic", topic).Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			l.logger.Info().Str("topic", topic).Interface("partitions", revoked).Msg("partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer for %s/%s: %w", topic, groupID, err)
	}

	l.mu.Lock()
	l.subscribers = append(l.subscribers, client)
	l.mu.Unlock()

	out := make(chan Record, 256)
	go l.fetchLoop(ctx, client, topic, out)
	return out, nil
}

func (l *KafkaLog) fetchLoop(ctx context.Context, client *kgo.Client, topic string, out chan<- Record) {
	defer close(out)
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(_ string, _ int32, err error) {
			l.logger.Warn().Err(err).Str("topic", topic).Msg("kafka fetch error")
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			record := Record{
				Key:    string(rec.Key),
				Value:  rec.Value,
				Offset: rec.Offset,
				ack: func() error {
					client.MarkCommitRecords(rec)
					return nil
				},
			}
			select {
			case out <- record:
			case <-ctx.Done():
			}
		})
	}
}

func (l *KafkaLog) CreateTopic(ctx context.Context, name string, partitions, replication int) error {
	resp, err := l.admin.CreateTopics(ctx, int32(partitions), int16(replication), nil, name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	for _, t := range resp {
		if t.Err != nil && !isTopicExistsErr(t.Err) {
			return fmt.Errorf("create topic %s: %w", name, t.Err)
		}
	}
	return nil
}

func isTopicExistsErr(err error) bool {
	return err != nil && (err.Error() == "TOPIC_ALREADY_EXISTS" || err.Error() == "topic already exists")
}

// ListGroupLag returns the number of partitions for which groupID has a
// committed offset. It does not compare committed offsets with high
// watermarks and does not convert anything to milliseconds, so a caught-up
// group with committed offsets reports a non-zero value. Unknown groups
// report 0.
func (l *KafkaLog) ListGroupLag(ctx context.Context, groupID string) (float64, error) {
	described, err := l.admin.DescribeGroups(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("describe group %s: %w", groupID, err)
	}
	group, ok := described[groupID]
	if !ok || group.Err != nil {
		return 0, nil
	}

	offsets, err := l.admin.FetchOffsets(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("fetch offsets for %s: %w", groupID, err)
	}

	var totalLag int64
	offsets.Each(func(o kadm.OffsetResponse) {
		totalLag += 1 // one unit per partition with a committed offset
		_ = o
	})

	return float64(totalLag), nil
}

func (l *KafkaLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.producer.Close()
	return nil
}
