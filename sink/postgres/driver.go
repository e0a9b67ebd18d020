package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"conveyor/envelope"
	"conveyor/internal/logging"
	"conveyor/internal/telemetry"
	"conveyor/journal"
	"conveyor/schema"
	"conveyor/sink"
)

func init() {
	sink.Register("postgres", func() sink.Adapter { return &driver{} })
}

// db is the slice of pgxpool.Pool the driver needs; tests swap in a fake.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type pending struct {
	rec  journal.LogRecord
	env  envelope.Envelope
	desc schema.Descriptor

	// skip marks a record that was already dead-lettered: no row is
	// written, but its checkpoint and ack still ride the batch so lower
	// offsets are never overtaken.
	skip bool
}

type driver struct {
	cfg  Config
	pool db
	reg  schema.Registry
	dlq  journal.Appender
	ack  sink.EmitFn

	mu       sync.Mutex // guards buffer, caches, timer
	buffer   []pending
	timer    *time.Timer
	fatalErr error

	tableReady     bool
	appliedVersion int
	checkpoints    map[string]map[int32]int64 // topic -> partition -> last applied offset
}

func (d *driver) Configure(raw any) error {
	cfg, ok := raw.(Config)
	if !ok {
		return fmt.Errorf("postgres-sink: want Config, got %T", raw)
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	d.cfg = cfg
	d.checkpoints = make(map[string]map[int32]int64)

	pool, err := pgxpool.New(context.Background(), cfg.ConnString)
	if err != nil {
		return fmt.Errorf("postgres-sink: %w", err)
	}
	d.pool = pool
	return nil
}

func (d *driver) BindAck(fn sink.EmitFn)            { d.ack = fn }
func (d *driver) BindDeadLetter(a journal.Appender) { d.dlq = a }
func (d *driver) BindRegistry(r schema.Registry)    { d.reg = r }

func (d *driver) Push(ctx context.Context, rec journal.LogRecord) error {
	d.mu.Lock()
	if err := d.fatalErr; err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	env, recErr := envelope.Decode(rec.Value)
	var desc schema.Descriptor
	if recErr == nil {
		desc, recErr = d.reg.Resolve(env.Subject, env.Version)
	}

	applied, err := d.appliedOffset(ctx, rec.Topic, rec.Partition)
	if err != nil {
		return err
	}
	if rec.Offset <= applied {
		// already visible from a previous run; replay is a no-op and
		// every lower offset is covered by the stored checkpoint
		d.ackOne(rec)
		return nil
	}

	if recErr != nil {
		// undecodable or unresolvable: dead-letter it, but the ack must
		// wait for the batch commit or buffered lower offsets could be
		// lost on a crash
		d.deadLetter(ctx, rec, recErr)
		return d.enqueue(ctx, pending{rec: rec, skip: true})
	}

	if err := d.ensureSchema(ctx, desc); err != nil {
		return err
	}
	return d.enqueue(ctx, pending{rec: rec, env: env, desc: desc})
}

func (d *driver) enqueue(ctx context.Context, p pending) error {
	d.mu.Lock()
	d.buffer = append(d.buffer, p)
	if len(d.buffer) >= d.cfg.BatchSize {
		err := d.flushLocked(ctx)
		d.mu.Unlock()
		return err
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.cfg.FlushInterval, d.timerFlush)
	}
	d.mu.Unlock()
	return nil
}

// Flush applies whatever is buffered. The runner calls it at pause
// boundaries so a pause never strands half a batch.
func (d *driver) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushLocked(ctx)
}

func (d *driver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.mu.Lock()
	err := d.flushLocked(ctx)
	d.mu.Unlock()
	if p, ok := d.pool.(*pgxpool.Pool); ok {
		p.Close()
	}
	return err
}

// called by the background timer goroutine
func (d *driver) timerFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RetryMaxElapsed)
	defer cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flushLocked(ctx); err != nil {
		logging.L().Error("postgres-sink: timed flush failed", "table", d.cfg.Table, "err", err)
		d.fatalErr = err
	}
}

// flushLocked commits the batch and its checkpoints in one transaction,
// then acks. Transient errors retry the whole transaction with backoff;
// constraint errors fall back to row-at-a-time so one bad record only
// costs itself. Must be called with d.mu *held*.
func (d *driver) flushLocked(ctx context.Context) error {
	if len(d.buffer) == 0 {
		d.stopTimerLocked()
		return nil
	}
	batch := d.buffer

	op := func() error {
		err := d.applyBatch(ctx, batch)
		if err == nil {
			return nil
		}
		if isConstraintErr(err) {
			// not retryable as a whole; handled row by row below
			return backoff.Permanent(err)
		}
		logging.L().Warn("postgres-sink: batch commit failed, retrying", "rows", len(batch), "err", err)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d.cfg.RetryMaxElapsed
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err != nil && isConstraintErr(err) {
		err = d.applyRowByRow(ctx, batch)
	}
	if err != nil {
		return err
	}

	d.buffer = nil
	d.stopTimerLocked()
	telemetry.BatchCommits.WithLabelValues(d.cfg.Table).Inc()
	d.ackBatch(batch)
	return nil
}

func (d *driver) applyBatch(ctx context.Context, batch []pending) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied := 0
	for _, p := range batch {
		if p.skip {
			continue
		}
		stmt, args := d.rowStatement(p)
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return err
		}
		applied++
	}
	if err := d.execCheckpoints(ctx, tx, highestPositions(batch)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	d.noteApplied(batch)
	telemetry.RowsApplied.WithLabelValues(d.cfg.Table).Add(float64(applied))
	return nil
}

// applyRowByRow isolates constraint violators: each row commits with its
// own checkpoint, and a rejected row is dead-lettered while its
// checkpoint still advances so the partition is not blocked.
func (d *driver) applyRowByRow(ctx context.Context, batch []pending) error {
	for _, p := range batch {
		if p.skip {
			err := d.execInTx(ctx, func(tx pgx.Tx) error {
				return d.execCheckpoints(ctx, tx, highestPositions([]pending{p}))
			})
			if err != nil {
				return err
			}
			d.noteApplied([]pending{p})
			continue
		}
		stmt, args := d.rowStatement(p)
		err := d.execInTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return err
			}
			return d.execCheckpoints(ctx, tx, highestPositions([]pending{p}))
		})
		if err == nil {
			d.noteApplied([]pending{p})
			telemetry.RowsApplied.WithLabelValues(d.cfg.Table).Inc()
			continue
		}
		if !isConstraintErr(err) {
			return err
		}
		cv := &sink.ConstraintViolation{Key: string(p.rec.Key), Cause: err}
		logging.L().Warn("postgres-sink: record rejected", "table", d.cfg.Table, "key", cv.Key, "err", err)
		d.deadLetter(ctx, p.rec, cv)
		// advance the checkpoint past the poisoned record
		err = d.execInTx(ctx, func(tx pgx.Tx) error {
			return d.execCheckpoints(ctx, tx, highestPositions([]pending{p}))
		})
		if err != nil {
			return err
		}
		d.noteApplied([]pending{p})
	}
	return nil
}

func (d *driver) execInTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *driver) rowStatement(p pending) (string, []any) {
	cols := p.desc.FieldNames()
	args := make([]any, len(cols))
	for i, f := range p.desc.Fields {
		args[i] = sqlValue(f, p.env.Fields[f.Name])
	}
	if d.cfg.Mode == ModeUpsert {
		return buildUpsert(d.cfg.Table, cols, d.cfg.KeyFields), args
	}
	return buildInsert(d.cfg.Table, cols), args
}

func (d *driver) execCheckpoints(ctx context.Context, tx pgx.Tx, positions map[string]map[int32]int64) error {
	stmt := buildCheckpointUpsert()
	for topic, parts := range positions {
		for part, off := range parts {
			if _, err := tx.Exec(ctx, stmt, topic, part, off); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *driver) ackBatch(batch []pending) {
	if d.ack == nil {
		return
	}
	for topic, parts := range highestPositions(batch) {
		for part, off := range parts {
			d.ack(topic, journal.Position{Partition: part, Offset: off})
		}
	}
}

func (d *driver) ackOne(rec journal.LogRecord) {
	if d.ack != nil {
		d.ack(rec.Topic, journal.Position{Partition: rec.Partition, Offset: rec.Offset})
	}
}

func (d *driver) noteApplied(batch []pending) {
	for topic, parts := range highestPositions(batch) {
		byPart, ok := d.checkpoints[topic]
		if !ok {
			byPart = make(map[int32]int64)
			d.checkpoints[topic] = byPart
		}
		for part, off := range parts {
			if cur, ok := byPart[part]; !ok || off > cur {
				byPart[part] = off
			}
		}
	}
}

// appliedOffset lazily loads the stored checkpoints for a topic, once.
func (d *driver) appliedOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byPart, ok := d.checkpoints[topic]
	if !ok {
		if err := d.bootstrap(ctx); err != nil {
			return 0, err
		}
		byPart = make(map[int32]int64)
		rows, err := d.pool.Query(ctx, buildCheckpointSelect(), topic)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		for rows.Next() {
			var part int32
			var off int64
			if err := rows.Scan(&part, &off); err != nil {
				return 0, err
			}
			byPart[part] = off
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		d.checkpoints[topic] = byPart
	}
	if off, ok := byPart[partition]; ok {
		return off, nil
	}
	return -1, nil
}

func (d *driver) bootstrap(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, buildCheckpointDDL())
	return err
}

// ensureSchema creates the table on first contact and adds the nullable
// columns a newer descriptor version introduces. Columns are only ever
// added, never dropped or retyped.
func (d *driver) ensureSchema(ctx context.Context, desc schema.Descriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tableReady && desc.Version <= d.appliedVersion {
		return nil
	}
	if !d.tableReady {
		if d.cfg.AutoCreate {
			base := desc
			if desc.Version > 1 {
				if v1, err := d.reg.Resolve(desc.Subject, 1); err == nil {
					base = v1
				}
			}
			if _, err := d.pool.Exec(ctx, buildCreateTable(d.cfg.Table, base, d.cfg.KeyFields)); err != nil {
				return fmt.Errorf("postgres-sink: create table: %w", err)
			}
		}
		d.tableReady = true
	}
	if desc.Version > d.appliedVersion {
		if d.cfg.AutoEvolve {
			for _, f := range desc.Fields {
				if _, err := d.pool.Exec(ctx, buildAddColumn(d.cfg.Table, f)); err != nil {
					return fmt.Errorf("postgres-sink: evolve %s: %w", f.Name, err)
				}
			}
			logging.L().Info("postgres-sink: table evolved", "table", d.cfg.Table, "version", desc.Version)
		}
		d.appliedVersion = desc.Version
	}
	return nil
}

func (d *driver) deadLetter(ctx context.Context, rec journal.LogRecord, cause error) {
	telemetry.RecordsDeadLettered.WithLabelValues(d.cfg.Table).Inc()
	if d.dlq == nil || d.cfg.DeadLetterTopic == "" {
		logging.L().Warn("postgres-sink: dropping record without dead-letter topic",
			"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "err", cause)
		return
	}
	headers := make(map[string][]byte, len(rec.Headers)+2)
	for k, v := range rec.Headers {
		headers[k] = v
	}
	headers[envelope.HeaderReason] = []byte(cause.Error())
	headers[envelope.HeaderOrigin] = []byte(fmt.Sprintf("%s/%d@%d", rec.Topic, rec.Partition, rec.Offset))
	err := d.dlq.Append(ctx, d.cfg.DeadLetterTopic,
		journal.Record{Key: rec.Key, Value: rec.Value, Headers: headers},
		func(_ journal.Position, err error) {
			if err != nil {
				logging.L().Error("postgres-sink: dead-letter append failed", "err", err)
			}
		})
	if err != nil {
		logging.L().Error("postgres-sink: dead-letter append failed", "err", err)
	}
}

func (d *driver) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func highestPositions(batch []pending) map[string]map[int32]int64 {
	out := make(map[string]map[int32]int64)
	for _, p := range batch {
		byPart, ok := out[p.rec.Topic]
		if !ok {
			byPart = make(map[int32]int64)
			out[p.rec.Topic] = byPart
		}
		if cur, ok := byPart[p.rec.Partition]; !ok || p.rec.Offset > cur {
			byPart[p.rec.Partition] = p.rec.Offset
		}
	}
	return out
}

func isConstraintErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 23 integrity constraint, class 22 data exception
		return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")
	}
	var cv *sink.ConstraintViolation
	return errors.As(err, &cv)
}

// sqlValue maps a decoded envelope value onto the driver-level Go type the
// column expects. JSON numbers arrive as float64 regardless of field type.
func sqlValue(f schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeLong:
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case int:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
	case schema.TypeDouble:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fmt.Sprint(v)
}
