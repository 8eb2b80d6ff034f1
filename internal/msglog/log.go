// Package msglog defines the Message Log (C3) consumer contract and a
// franz-go (Kafka/Redpanda) backed implementation, modeled on
// ws/internal/shared/kafka/consumer.go and ws/internal/multi/kafka_pool.go.
package msglog

import "context"

// Record is one message read from a topic. The consumer must call Ack after
// durably handling it; at-least-once delivery means a record may be
// redelivered if the process crashes before Ack.
type Record struct {
	Key    string
	Value  []byte
	Offset int64
	ack    func() error
}

// Ack acknowledges durable handling of the record.
func (r Record) Ack() error {
	if r.ack == nil {
		return nil
	}
	return r.ack()
}

// Log is the operation set the core invokes on the external durable log.
type Log interface {
	// Publish writes bytes keyed by key to topic. Producer semantics are
	// idempotent-retry: a retried publish may duplicate, tolerated by
	// Envelope MsgID dedup downstream.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Subscribe returns a channel of Records for topic under groupId, with
	// at-least-once delivery. A new groupID starts from the end of the topic
	// (only messages published from now on). Closing ctx stops the
	// subscription; whether the channel is then closed depends on the
	// implementation (MemLog does not close it).
	Subscribe(ctx context.Context, topic, groupID string) (<-chan Record, error)

	// SubscribeBacklog is like Subscribe but a new groupID starts from the
	// earliest available offset, so a consumer can drain a backlog left by a
	// previous owner. Used by the Forwarder (C9).
	SubscribeBacklog(ctx context.Context, topic, groupID string) (<-chan Record, error)

	// CreateTopic is called once at socket-node startup for its own delivery
	// topic; must be idempotent (no-op if the topic already exists).
	CreateTopic(ctx context.Context, name string, partitions, replication int) error

	// ListGroupLag returns a consumer-lag figure for groupID. Its unit is
	// implementation-specific (see KafkaLog and MemLog); no component in
	// this repository calls it.
	ListGroupLag(ctx context.Context, groupID string) (float64, error)

	Close() error
}

// DeliveryTopicFor returns the per-node delivery topic name.
func DeliveryTopicFor(nodeID string) string {
	return "rf.delivery." + nodeID
}

// ControlTopic is the single broadcast control topic every socket node reads.
const ControlTopic = "rf.control"
