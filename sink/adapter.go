package sink

import (
	"context"
	"fmt"

	"conveyor/journal"
)

// EmitFn is what a sink calls to notify the pipeline that a record (or a
// batch of records) has been durably applied. Positions it reports are
// safe to commit on the journal side.
type EmitFn func(topic string, pos journal.Position)

// Adapter is the common behaviour every sink exposes.
type Adapter interface {
	Configure(any) error                           // driver-specific YAML ⇒ struct
	Push(context.Context, journal.LogRecord) error // consume one record
	Close() error                                  // idempotent, flushes
}

// AckAware is *optional*; sinks that defer acks until their own durable
// commit implement it. The compiler wires the callback if present.
type AckAware interface {
	BindAck(EmitFn)
}

// ConstraintViolation marks a write the store rejected even after schema
// evolution. Fatal for the record (dead-lettered), not for the engine.
type ConstraintViolation struct {
	Key   string
	Cause error
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("sink: constraint violation for key %q: %v", e.Key, e.Cause)
}

func (e *ConstraintViolation) Unwrap() error { return e.Cause }

/*──────── registry ───────*/

type factory = func() Adapter

var reg = map[string]factory{}

func Register(name string, f factory) { reg[name] = f }

func NewAdapter(name string) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(), nil
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
