package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"conveyor/internal/logging"
	"conveyor/journal"
)

func init() {
	journal.Register("kafka", func() journal.Driver { return &Driver{} })
}

// Driver backs the journal abstraction with a Kafka cluster via sarama.
type Driver struct {
	cfg journal.Config
	sc  *sarama.Config

	mu        sync.Mutex
	appenders []*appender
	consumers []*consumer
}

func (d *Driver) Configure(cfg journal.Config) error {
	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = cfg.AppendTimeout
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = true
	sc.Consumer.Offsets.AutoCommit.Interval = cfg.CommitInterval
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	switch cfg.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	d.cfg, d.sc = cfg, sc
	return nil
}

func (d *Driver) Appender() (journal.Appender, error) {
	if d.sc == nil {
		return nil, fmt.Errorf("kafka: driver not configured")
	}
	p, err := sarama.NewAsyncProducer(d.cfg.Brokers, d.sc)
	if err != nil {
		return nil, err
	}
	a := &appender{p: p}
	a.wg.Add(2)
	go a.successLoop()
	go a.errorLoop()
	d.mu.Lock()
	d.appenders = append(d.appenders, a)
	d.mu.Unlock()
	return a, nil
}

func (d *Driver) Consumer(group string) (journal.Consumer, error) {
	if d.sc == nil {
		return nil, fmt.Errorf("kafka: driver not configured")
	}
	g, err := sarama.NewConsumerGroup(d.cfg.Brokers, group, d.sc)
	if err != nil {
		return nil, err
	}
	c := &consumer{group: g}
	d.mu.Lock()
	d.consumers = append(d.consumers, c)
	d.mu.Unlock()
	return c, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.appenders {
		_ = a.Close()
	}
	for _, c := range d.consumers {
		_ = c.Close()
	}
	d.appenders, d.consumers = nil, nil
	return nil
}

/*──────── appender ───────*/

type doneFunc func(journal.Position, error)

type appender struct {
	p         sarama.AsyncProducer
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (a *appender) Append(ctx context.Context, topic string, rec journal.Record, done func(journal.Position, error)) error {
	msg := &sarama.ProducerMessage{
		Topic:    topic,
		Key:      sarama.ByteEncoder(rec.Key),
		Value:    sarama.ByteEncoder(rec.Value),
		Headers:  toHeaders(rec.Headers),
		Metadata: doneFunc(done),
	}
	select {
	case a.p.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *appender) successLoop() {
	defer a.wg.Done()
	for msg := range a.p.Successes() {
		if done, ok := msg.Metadata.(doneFunc); ok {
			done(journal.Position{Partition: msg.Partition, Offset: msg.Offset}, nil)
		}
	}
}

func (a *appender) errorLoop() {
	defer a.wg.Done()
	for pe := range a.p.Errors() {
		err := pe.Err
		if isRetryable(err) {
			err = fmt.Errorf("%w: %v", journal.ErrDeliveryTimeout, pe.Err)
		}
		if done, ok := pe.Msg.Metadata.(doneFunc); ok {
			done(journal.Position{}, err)
		}
	}
}

func (a *appender) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.p.Close()
		a.wg.Wait()
	})
	return err
}

func isRetryable(err error) bool {
	switch err {
	case sarama.ErrRequestTimedOut, sarama.ErrNotEnoughReplicas,
		sarama.ErrNotEnoughReplicasAfterAppend, sarama.ErrLeaderNotAvailable,
		sarama.ErrNotLeaderForPartition, sarama.ErrOutOfBrokers:
		return true
	}
	return false
}

func toHeaders(src map[string][]byte) []sarama.RecordHeader {
	if len(src) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(src))
	for k, v := range src {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: v})
	}
	return out
}

/*──────── consumer ───────*/

type consumer struct {
	group sarama.ConsumerGroup

	mu   sync.Mutex
	sess sarama.ConsumerGroupSession
}

func (c *consumer) Consume(ctx context.Context, topics []string, deliver journal.DeliverFunc) error {
	handler := &groupHandler{c: c, deliver: deliver}
	for {
		if err := c.group.Consume(ctx, topics, handler); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Ack records pos as durably applied. The commit itself happens on
// sarama's auto-commit cadence, so a crash redelivers the unacked tail.
func (c *consumer) Ack(topic string, pos journal.Position) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		logging.L().Warn("kafka: ack without active session", "topic", topic, "partition", pos.Partition, "offset", pos.Offset)
		return
	}
	sess.MarkOffset(topic, pos.Partition, pos.Offset+1, "")
}

func (c *consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	c       *consumer
	deliver journal.DeliverFunc
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.c.mu.Lock()
	h.c.sess = sess
	h.c.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.c.mu.Lock()
	h.c.sess = nil
	h.c.mu.Unlock()
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return sess.Context().Err()
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := journal.LogRecord{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Headers:   fromHeaders(msg.Headers),
				Timestamp: msg.Timestamp,
			}
			if err := h.deliver(sess.Context(), rec); err != nil {
				return err
			}
		}
	}
}

func fromHeaders(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
