package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conveyor/internal/logging"
	"conveyor/internal/spec"
	"conveyor/journal"
	"conveyor/schema"
	"conveyor/sink"
	"conveyor/source"
	"conveyor/state"
)

// ErrUnknownConnector reports a name no connector is registered under.
var ErrUnknownConnector = errors.New("runner: unknown connector")

type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusFailed  Status = "FAILED"
	StatusStopped Status = "STOPPED"
)

// ConnectorStatus is what the management surface reports per instance.
type ConnectorStatus struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Driver    string `json:"driver"`
	State     Status `json:"state"`
	LastError string `json:"last_error,omitempty"`
}

// pausable is implemented by drivers that can stop taking on new work
// while letting in-flight work finish.
type pausable interface {
	Pause()
	Resume()
}

// flusher is implemented by sinks that buffer; called at pause boundaries
// so no half-applied batch is left hanging.
type flusher interface {
	Flush(ctx context.Context) error
}

type connector struct {
	spec     spec.ConnectorSpec
	src      source.Adapter
	snk      sink.Adapter
	consumer journal.Consumer
	gate     *deliveryGate // sinks only

	mu      sync.Mutex
	state   Status
	lastErr error
}

func (c *connector) setState(s Status, err error) {
	c.mu.Lock()
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

func (c *connector) status() ConnectorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnectorStatus{
		Name:   c.spec.Name,
		Kind:   c.spec.Kind,
		Driver: c.spec.Driver,
		State:  c.state,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Runner hosts the configured connector instances. Sources and sinks only
// meet through the journal; the runner owns the shared appender and the
// per-sink consumers.
type Runner struct {
	drv      journal.Driver
	appender journal.Appender
	store    state.Storage
	reg      schema.Registry

	retryMax time.Duration

	mu         sync.Mutex
	connectors map[string]*connector
	order      []string
	wg         sync.WaitGroup
}

func NewRunner(drv journal.Driver, app journal.Appender, store state.Storage, reg schema.Registry) *Runner {
	return &Runner{
		drv:        drv,
		appender:   app,
		store:      store,
		reg:        reg,
		retryMax:   2 * time.Minute,
		connectors: make(map[string]*connector),
	}
}

func (r *Runner) AddSource(sp spec.ConnectorSpec, src source.Adapter) {
	r.mu.Lock()
	r.connectors[sp.Name] = &connector{spec: sp, src: src, state: StatusStopped}
	r.order = append(r.order, sp.Name)
	r.mu.Unlock()
}

func (r *Runner) AddSink(sp spec.ConnectorSpec, snk sink.Adapter, consumer journal.Consumer) {
	if aw, ok := snk.(sink.AckAware); ok {
		aw.BindAck(consumer.Ack)
	}
	r.mu.Lock()
	r.connectors[sp.Name] = &connector{spec: sp, snk: snk, consumer: consumer, gate: newDeliveryGate(), state: StatusStopped}
	r.order = append(r.order, sp.Name)
	r.mu.Unlock()
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.connectors) == 0 {
		return errors.New("runner: no connectors configured")
	}
	for _, name := range r.order {
		c := r.connectors[name]
		c.setState(StatusRunning, nil)
		r.wg.Add(1)
		if c.src != nil {
			go r.runSource(ctx, c)
		} else {
			go r.runSink(ctx, c)
		}
	}
	return nil
}

func (r *Runner) runSource(ctx context.Context, c *connector) {
	defer r.wg.Done()
	err := c.src.Run(ctx, r.emit)
	if err != nil && ctx.Err() == nil {
		logging.L().Error("source connector failed", "name", c.spec.Name, "err", err)
		c.setState(StatusFailed, err)
		return
	}
	c.setState(StatusStopped, nil)
}

func (r *Runner) runSink(ctx context.Context, c *connector) {
	defer r.wg.Done()
	deliver := func(ctx context.Context, rec journal.LogRecord) error {
		if err := c.gate.wait(ctx); err != nil {
			return err
		}
		return c.snk.Push(ctx, rec)
	}
	err := c.consumer.Consume(ctx, c.spec.Topics, deliver)
	if err != nil && ctx.Err() == nil {
		logging.L().Error("sink connector failed", "name", c.spec.Name, "err", err)
		c.setState(StatusFailed, err)
		return
	}
	c.setState(StatusStopped, nil)
}

// emit is the EmitFunc handed to every source driver: journal append with
// backoff on transient unavailability. The final error, if any, reaches
// the driver through done.
func (r *Runner) emit(ctx context.Context, topic string, rec journal.Record, done func(journal.Position, error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = r.retryMax
	return r.appendWithRetry(ctx, topic, rec, done, bo)
}

func (r *Runner) appendWithRetry(ctx context.Context, topic string, rec journal.Record, done func(journal.Position, error), bo backoff.BackOff) error {
	return r.appender.Append(ctx, topic, rec, func(pos journal.Position, err error) {
		if err != nil && errors.Is(err, journal.ErrDeliveryTimeout) && ctx.Err() == nil {
			if d := bo.NextBackOff(); d != backoff.Stop {
				logging.L().Warn("journal append retrying", "topic", topic, "delay", d, "err", err)
				time.AfterFunc(d, func() {
					if rerr := r.appendWithRetry(ctx, topic, rec, done, bo); rerr != nil {
						done(journal.Position{}, rerr)
					}
				})
				return
			}
		}
		done(pos, err)
	})
}

/*──────── management surface ───────*/

func (r *Runner) List() []ConnectorStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectorStatus, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.connectors[name].status())
	}
	return out
}

func (r *Runner) Status(name string) (ConnectorStatus, error) {
	r.mu.Lock()
	c, ok := r.connectors[name]
	r.mu.Unlock()
	if !ok {
		return ConnectorStatus{}, fmt.Errorf("%w %q", ErrUnknownConnector, name)
	}
	return c.status(), nil
}

// Pause stops a connector from taking on new work; whatever is in flight
// (a file, a batch) finishes first and buffered sink batches are flushed.
func (r *Runner) Pause(name string) error {
	r.mu.Lock()
	c, ok := r.connectors[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownConnector, name)
	}
	if c.src != nil {
		p, ok := c.src.(pausable)
		if !ok {
			return fmt.Errorf("runner: source driver %q does not support pause", c.spec.Driver)
		}
		p.Pause()
	} else {
		c.gate.pause()
		if f, ok := c.snk.(flusher); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := f.Flush(ctx); err != nil {
				return err
			}
		}
	}
	c.setState(StatusPaused, nil)
	logging.L().Info("connector paused", "name", name)
	return nil
}

func (r *Runner) Resume(name string) error {
	r.mu.Lock()
	c, ok := r.connectors[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownConnector, name)
	}
	if c.src != nil {
		if p, ok := c.src.(pausable); ok {
			p.Resume()
		}
	} else {
		c.gate.resume()
	}
	c.setState(StatusRunning, nil)
	logging.L().Info("connector resumed", "name", name)
	return nil
}

// Close stops everything in dependency order: sources first so no new
// records chase a closing sink, then the journal, then the state store.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, name := range r.order {
		c := r.connectors[name]
		if c.src != nil {
			keep(c.src.Close())
		}
	}
	for _, name := range r.order {
		c := r.connectors[name]
		if c.snk != nil {
			keep(c.snk.Close())
			keep(c.consumer.Close())
		}
	}
	if r.appender != nil {
		keep(r.appender.Close())
	}
	if r.drv != nil {
		keep(r.drv.Close())
	}
	if r.store != nil {
		keep(r.store.Stop())
	}
	return firstErr
}

/*──────── sink delivery gate ───────*/

type deliveryGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newDeliveryGate() *deliveryGate {
	g := &deliveryGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *deliveryGate) pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *deliveryGate) resume() {
	g.mu.Lock()
	g.paused = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

func (g *deliveryGate) wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, g.cond.Broadcast)
	defer stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && ctx.Err() == nil {
		g.cond.Wait()
	}
	return ctx.Err()
}
