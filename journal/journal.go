package journal

import (
	"context"
	"errors"
	"time"
)

// ErrDeliveryTimeout marks a transient log unavailability; callers retry
// with backoff rather than failing the engine.
var ErrDeliveryTimeout = errors.New("journal: delivery timed out")

// Record is a payload to append. Headers carry envelope metadata (schema
// subject/version, origin file) without forcing sinks to decode the value.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string][]byte
}

// Position identifies one slot in a partition. Offsets are assigned by the
// log and strictly increase within a partition.
type Position struct {
	Partition int32
	Offset    int64
}

// LogRecord is a Record as read back: position, topic and commit timestamp
// are owned by the log.
type LogRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string][]byte
	Timestamp time.Time
}

// Appender writes records. done fires exactly once per Append, after the
// log has durably acknowledged (or definitively rejected) the record.
type Appender interface {
	Append(ctx context.Context, topic string, rec Record, done func(Position, error)) error
	Close() error
}

// DeliverFunc handles one consumed record. It is invoked in strict
// partition order; returning an error stops the consumer.
type DeliverFunc func(ctx context.Context, rec LogRecord) error

// Consumer reads topics as part of a group, at-least-once. Ack marks a
// position as durably applied downstream; only acked positions are
// committed, so an unacked record is redelivered after restart.
type Consumer interface {
	Consume(ctx context.Context, topics []string, deliver DeliverFunc) error
	Ack(topic string, pos Position)
	Close() error
}

// Driver binds a concrete log implementation. One configured driver hands
// out appenders for source connectors and grouped consumers for sinks.
type Driver interface {
	Configure(cfg Config) error
	Appender() (Appender, error)
	Consumer(group string) (Consumer, error)
	Close() error
}
