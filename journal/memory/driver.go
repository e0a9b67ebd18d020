package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"conveyor/journal"
)

func init() {
	journal.Register("memory", func() journal.Driver { return NewDriver(defaultBroker) })
}

// defaultBroker is shared by every driver instance registered through the
// registry, so a source and sink wired in the same process see one log.
var defaultBroker = NewBroker()

// Broker is an in-process partitioned log. It keeps the journal contract
// (ordered per partition, at-least-once, group commit positions) without a
// Kafka cluster; tests and local runs use it.
type Broker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	topics    map[string][][]journal.LogRecord
	committed map[string]map[string]map[int32]int64 // group -> topic -> partition -> next offset
}

func NewBroker() *Broker {
	b := &Broker{
		topics:    make(map[string][][]journal.LogRecord),
		committed: make(map[string]map[string]map[int32]int64),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

type Driver struct {
	broker     *Broker
	partitions int32
}

func NewDriver(b *Broker) *Driver { return &Driver{broker: b, partitions: 1} }

func (d *Driver) Configure(cfg journal.Config) error {
	if cfg.Partitions > 0 {
		d.partitions = cfg.Partitions
	}
	return nil
}

func (d *Driver) Appender() (journal.Appender, error) {
	return &appender{broker: d.broker, partitions: d.partitions}, nil
}

func (d *Driver) Consumer(group string) (journal.Consumer, error) {
	return &consumer{broker: d.broker, group: group}, nil
}

func (d *Driver) Close() error {
	d.broker.mu.Lock()
	d.broker.cond.Broadcast()
	d.broker.mu.Unlock()
	return nil
}

/*──────── appender ───────*/

type appender struct {
	broker     *Broker
	partitions int32
}

func (a *appender) Append(_ context.Context, topic string, rec journal.Record, done func(journal.Position, error)) error {
	b := a.broker
	b.mu.Lock()
	parts, ok := b.topics[topic]
	if !ok {
		parts = make([][]journal.LogRecord, a.partitions)
		b.topics[topic] = parts
	}
	p := partitionFor(rec.Key, int32(len(parts)))
	offset := int64(len(parts[p]))
	parts[p] = append(parts[p], journal.LogRecord{
		Topic:     topic,
		Partition: p,
		Offset:    offset,
		Key:       append([]byte(nil), rec.Key...),
		Value:     append([]byte(nil), rec.Value...),
		Headers:   rec.Headers,
		Timestamp: time.Now(),
	})
	b.mu.Unlock()
	b.cond.Broadcast()
	done(journal.Position{Partition: p, Offset: offset}, nil)
	return nil
}

func (a *appender) Close() error { return nil }

func partitionFor(key []byte, n int32) int32 {
	if n <= 1 || len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % uint32(n))
}

/*──────── consumer ───────*/

type consumer struct {
	broker *Broker
	group  string
}

func (c *consumer) Consume(ctx context.Context, topics []string, deliver journal.DeliverFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		c.broker.cond.Broadcast()
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for _, topic := range topics {
		for _, p := range c.awaitPartitions(ctx, topic) {
			wg.Add(1)
			go func(topic string, p int32) {
				defer wg.Done()
				if err := c.consumePartition(ctx, topic, p, deliver); err != nil && ctx.Err() == nil {
					select {
					case errCh <- err:
						cancel()
					default:
					}
				}
			}(topic, p)
		}
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

// awaitPartitions blocks until the topic exists (first append creates it).
func (c *consumer) awaitPartitions(ctx context.Context, topic string) []int32 {
	b := c.broker
	b.mu.Lock()
	for ctx.Err() == nil && b.topics[topic] == nil {
		b.cond.Wait()
	}
	n := int32(len(b.topics[topic]))
	b.mu.Unlock()
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func (c *consumer) consumePartition(ctx context.Context, topic string, p int32, deliver journal.DeliverFunc) error {
	b := c.broker
	next := c.committedOffset(topic, p)
	for {
		b.mu.Lock()
		for ctx.Err() == nil && int64(len(b.topics[topic][p])) <= next {
			b.cond.Wait()
		}
		if ctx.Err() != nil {
			b.mu.Unlock()
			return ctx.Err()
		}
		rec := b.topics[topic][p][next]
		b.mu.Unlock()

		if err := deliver(ctx, rec); err != nil {
			return err
		}
		next++
	}
}

func (c *consumer) committedOffset(topic string, p int32) int64 {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.committed[c.group]; ok {
		if t, ok := g[topic]; ok {
			return t[p]
		}
	}
	return 0
}

func (c *consumer) Ack(topic string, pos journal.Position) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.committed[c.group]
	if !ok {
		g = make(map[string]map[int32]int64)
		b.committed[c.group] = g
	}
	t, ok := g[topic]
	if !ok {
		t = make(map[int32]int64)
		g[topic] = t
	}
	if pos.Offset+1 > t[pos.Partition] {
		t[pos.Partition] = pos.Offset + 1
	}
}

func (c *consumer) Close() error { return nil }
