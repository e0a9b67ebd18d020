package source

import (
	"context"

	"conveyor/journal"
)

// EmitFunc hands one record to the journal. done fires once the log has
// durably acknowledged the append; drivers use it to advance their file
// offsets, so progress never runs ahead of durability.
type EmitFunc func(ctx context.Context, topic string, rec journal.Record, done func(journal.Position, error)) error

type Adapter interface {
	Configure(raw any) error
	Run(context.Context, EmitFunc) error
	Close() error
}
