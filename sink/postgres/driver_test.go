package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"conveyor/envelope"
	"conveyor/journal"
	"conveyor/schema"
	"conveyor/state"
)

/*──────── fakes ───────*/

type execCall struct {
	sql  string
	args []any
}

// fakeDB stands in for the pgx pool. Committed transaction statements end
// up in applied; poisonArg makes any statement carrying that value fail
// with a unique violation.
type fakeDB struct {
	mu          sync.Mutex
	ddl         []string
	applied     []execCall
	checkpoints map[int32]int64
	poisonArg   any
	beginErr    error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ddl = append(f.ddl, sql)
	_ = args
	return pgconn.NewCommandTag(""), nil
}

func (f *fakeDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := &fakeRows{}
	for part, off := range f.checkpoints {
		rows.rows = append(rows.rows, [2]int64{int64(part), off})
	}
	return rows, nil
}

func (f *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeTx{db: f}, nil
}

func (f *fakeDB) appliedSQL() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.applied...)
}

func (f *fakeDB) ddlSQL() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ddl...)
}

type fakeTx struct {
	db     *fakeDB
	staged []execCall
}

func (t *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	for _, a := range args {
		if t.db.poisonArg != nil && a == t.db.poisonArg {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", Message: "duplicate key"}
		}
	}
	t.staged = append(t.staged, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.db.mu.Lock()
	t.db.applied = append(t.db.applied, t.staged...)
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error { return nil }

func (t *fakeTx) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) { return nil, nil }
func (t *fakeTx) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row        { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

type fakeRows struct {
	rows [][2]int64
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	*(dest[0].(*int32)) = int32(row[0])
	*(dest[1].(*int64)) = row[1]
	return nil
}
func (r *fakeRows) Values() ([]any, error) { return nil, nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

type fakeAppender struct {
	mu   sync.Mutex
	recs []journal.Record
}

func (a *fakeAppender) Append(_ context.Context, _ string, rec journal.Record, done func(journal.Position, error)) error {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	n := len(a.recs)
	a.mu.Unlock()
	done(journal.Position{Offset: int64(n - 1)}, nil)
	return nil
}

func (a *fakeAppender) Close() error { return nil }

/*──────── harness ───────*/

func newTestSink(t *testing.T, db *fakeDB, batchSize int) (*driver, *[]journal.Position) {
	t.Helper()
	store := state.NewMemoryStorage()
	reg, err := schema.NewEmbedded(store)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := reg.Register(schema.Descriptor{Subject: "orders", Fields: orderDesc.Fields}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := &driver{
		cfg: Config{
			Table:           "orders",
			Mode:            ModeUpsert,
			KeyFields:       []string{"order_id"},
			AutoCreate:      true,
			AutoEvolve:      true,
			BatchSize:       batchSize,
			FlushInterval:   time.Hour,
			DeadLetterTopic: "orders-dlq",
			RetryMaxElapsed: time.Second,
		},
		pool:        db,
		reg:         reg,
		checkpoints: make(map[string]map[int32]int64),
	}
	acks := &[]journal.Position{}
	d.BindAck(func(_ string, pos journal.Position) {
		*acks = append(*acks, pos)
	})
	return d, acks
}

func record(t *testing.T, offset int64, fields map[string]any) journal.LogRecord {
	return versionedRecord(t, 1, offset, fields)
}

func versionedRecord(t *testing.T, version int, offset int64, fields map[string]any) journal.LogRecord {
	t.Helper()
	value, err := envelope.Encode(envelope.Envelope{Subject: "orders", Version: version, Row: offset, Fields: fields})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	key := ""
	if id, ok := fields["order_id"]; ok {
		key = fmt.Sprint(id)
	}
	return journal.LogRecord{Topic: "orders", Partition: 0, Offset: offset, Key: []byte(key), Value: value}
}

/*──────── tests ───────*/

func TestPushSkipsAlreadyAppliedOffsets(t *testing.T) {
	db := &fakeDB{checkpoints: map[int32]int64{0: 5}}
	d, acks := newTestSink(t, db, 1)

	// offset 3 is behind the stored checkpoint: ack without applying
	if err := d.Push(context.Background(), record(t, 3, map[string]any{"order_id": int64(1)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(db.appliedSQL()) != 0 {
		t.Fatalf("replayed record must not touch the table")
	}
	if len(*acks) != 1 || (*acks)[0].Offset != 3 {
		t.Fatalf("acks = %+v", *acks)
	}

	// offset 6 is new: with batch size 1 it commits immediately
	if err := d.Push(context.Background(), record(t, 6, map[string]any{"order_id": int64(2), "amount": 9.5})); err != nil {
		t.Fatalf("push: %v", err)
	}
	applied := db.appliedSQL()
	if len(applied) != 2 {
		t.Fatalf("applied %d statements, want row + checkpoint", len(applied))
	}
	if !strings.HasPrefix(applied[0].sql, `INSERT INTO "orders"`) {
		t.Fatalf("first statement %q", applied[0].sql)
	}
	if !strings.Contains(applied[1].sql, "conveyor_checkpoints") {
		t.Fatalf("second statement %q", applied[1].sql)
	}
	if applied[1].args[2] != int64(6) {
		t.Fatalf("checkpoint offset arg = %#v", applied[1].args[2])
	}
	if got := (*acks)[len(*acks)-1]; got.Offset != 6 {
		t.Fatalf("final ack %+v", got)
	}
}

func TestPushBootstrapsTableAndCheckpoints(t *testing.T) {
	db := &fakeDB{}
	d, _ := newTestSink(t, db, 1)

	if err := d.Push(context.Background(), record(t, 0, map[string]any{"order_id": int64(1)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	ddl := db.ddlSQL()
	var sawCheckpointDDL, sawCreate bool
	for _, stmt := range ddl {
		if strings.Contains(stmt, "conveyor_checkpoints") {
			sawCheckpointDDL = true
		}
		if strings.HasPrefix(stmt, `CREATE TABLE IF NOT EXISTS "orders"`) {
			sawCreate = true
		}
	}
	if !sawCheckpointDDL || !sawCreate {
		t.Fatalf("bootstrap DDL missing, got %q", ddl)
	}
}

func TestBatchFlushAcksHighestOffsetOnly(t *testing.T) {
	db := &fakeDB{}
	d, acks := newTestSink(t, db, 2)

	if err := d.Push(context.Background(), record(t, 0, map[string]any{"order_id": int64(1)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(db.appliedSQL()) != 0 {
		t.Fatalf("batch flushed early")
	}
	if err := d.Push(context.Background(), record(t, 1, map[string]any{"order_id": int64(2)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(*acks) != 1 {
		t.Fatalf("acks = %+v, want a single highest-offset ack", *acks)
	}
	if (*acks)[0].Offset != 1 {
		t.Fatalf("acked offset %d, want 1", (*acks)[0].Offset)
	}
}

func TestConstraintViolationIsolatedAndDeadLettered(t *testing.T) {
	db := &fakeDB{poisonArg: int64(666)}
	d, acks := newTestSink(t, db, 2)
	dlq := &fakeAppender{}
	d.BindDeadLetter(dlq)

	if err := d.Push(context.Background(), record(t, 0, map[string]any{"order_id": int64(1), "amount": 1.0})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := d.Push(context.Background(), record(t, 1, map[string]any{"order_id": int64(666)})); err != nil {
		t.Fatalf("push poisoned: %v", err)
	}

	// the good row landed
	var sawGoodRow bool
	for _, call := range db.appliedSQL() {
		if strings.HasPrefix(call.sql, `INSERT INTO "orders"`) && call.args[0] == int64(1) {
			sawGoodRow = true
		}
	}
	if !sawGoodRow {
		t.Fatalf("good row was not applied, statements %+v", db.appliedSQL())
	}

	// the poisoned row went to the dead letter topic with a reason header
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	if len(dlq.recs) != 1 {
		t.Fatalf("dead lettered %d records, want 1", len(dlq.recs))
	}
	if _, ok := dlq.recs[0].Headers[envelope.HeaderReason]; !ok {
		t.Fatalf("dead letter record missing reason header")
	}

	// the checkpoint still advanced past the poisoned record
	var checkpointed bool
	for _, call := range db.appliedSQL() {
		if strings.Contains(call.sql, "conveyor_checkpoints") && call.args[2] == int64(1) {
			checkpointed = true
		}
	}
	if !checkpointed {
		t.Fatalf("checkpoint did not advance past the rejected record")
	}
	if len(*acks) == 0 || (*acks)[len(*acks)-1].Offset != 1 {
		t.Fatalf("acks = %+v", *acks)
	}
}

func TestUndecodableRecordDeadLettersAndAcks(t *testing.T) {
	db := &fakeDB{}
	d, acks := newTestSink(t, db, 1)
	dlq := &fakeAppender{}
	d.BindDeadLetter(dlq)

	bad := journal.LogRecord{Topic: "orders", Partition: 0, Offset: 0, Value: []byte("not json")}
	if err := d.Push(context.Background(), bad); err != nil {
		t.Fatalf("push: %v", err)
	}
	dlq.mu.Lock()
	n := len(dlq.recs)
	dlq.mu.Unlock()
	if n != 1 {
		t.Fatalf("dead lettered %d, want 1", n)
	}
	if len(*acks) != 1 || (*acks)[0].Offset != 0 {
		t.Fatalf("bad record must be acked once committed, acks=%+v", *acks)
	}
	// the commit carries only the checkpoint, never a row
	applied := db.appliedSQL()
	if len(applied) != 1 || !strings.Contains(applied[0].sql, "conveyor_checkpoints") {
		t.Fatalf("want a checkpoint-only commit, got %+v", applied)
	}
}

func TestDeadLetterAckWaitsForBatchCommit(t *testing.T) {
	db := &fakeDB{}
	d, acks := newTestSink(t, db, 3)
	dlq := &fakeAppender{}
	d.BindDeadLetter(dlq)

	if err := d.Push(context.Background(), record(t, 0, map[string]any{"order_id": int64(1)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	bad := journal.LogRecord{Topic: "orders", Partition: 0, Offset: 1, Value: []byte("not json")}
	if err := d.Push(context.Background(), bad); err != nil {
		t.Fatalf("push bad: %v", err)
	}

	// offset 0 is still buffered and uncommitted: an ack for offset 1
	// here would let the journal commit skip offset 0 after a crash
	if len(*acks) != 0 {
		t.Fatalf("acked %+v before the batch committed", *acks)
	}
	dlq.mu.Lock()
	n := len(dlq.recs)
	dlq.mu.Unlock()
	if n != 1 {
		t.Fatalf("dead lettered %d, want 1", n)
	}

	if err := d.Push(context.Background(), record(t, 2, map[string]any{"order_id": int64(2)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(*acks) != 1 || (*acks)[0].Offset != 2 {
		t.Fatalf("acks = %+v, want one ack at the batch high watermark", *acks)
	}
	var inserts int
	var checkpointOff any
	for _, call := range db.appliedSQL() {
		if strings.HasPrefix(call.sql, `INSERT INTO "orders"`) {
			inserts++
		}
		if strings.Contains(call.sql, "conveyor_checkpoints") {
			checkpointOff = call.args[2]
		}
	}
	if inserts != 2 {
		t.Fatalf("applied %d row inserts, want 2", inserts)
	}
	if checkpointOff != int64(2) {
		t.Fatalf("checkpoint offset %#v, want 2", checkpointOff)
	}
}

func TestAutoEvolveAddsColumnsForNewVersion(t *testing.T) {
	db := &fakeDB{}
	d, _ := newTestSink(t, db, 1)

	evolved := append(append([]schema.Field(nil), orderDesc.Fields...),
		schema.Field{Name: "currency", Type: schema.TypeString, Nullable: true})
	if _, err := d.reg.Register(schema.Descriptor{Subject: "orders", Fields: evolved}); err != nil {
		t.Fatalf("register v2: %v", err)
	}

	rec := versionedRecord(t, 2, 0, map[string]any{"order_id": int64(1), "currency": "EUR"})
	if err := d.Push(context.Background(), rec); err != nil {
		t.Fatalf("push: %v", err)
	}

	ddl := db.ddlSQL()
	var sawCreate, sawAdd bool
	for _, stmt := range ddl {
		if strings.HasPrefix(stmt, `CREATE TABLE IF NOT EXISTS "orders"`) {
			if strings.Contains(stmt, "currency") {
				t.Fatalf("create table must use the base version, got %q", stmt)
			}
			sawCreate = true
		}
		if strings.Contains(stmt, `ADD COLUMN IF NOT EXISTS "currency"`) {
			sawAdd = true
		}
	}
	if !sawCreate {
		t.Fatalf("no base create table in ddl %q", ddl)
	}
	if !sawAdd {
		t.Fatalf("no add column for evolved field in ddl %q", ddl)
	}
	var sawRow bool
	for _, call := range db.appliedSQL() {
		if strings.HasPrefix(call.sql, `INSERT INTO "orders"`) && strings.Contains(call.sql, `"currency"`) {
			sawRow = true
		}
	}
	if !sawRow {
		t.Fatalf("evolved row not applied, statements %+v", db.appliedSQL())
	}

	// same version again: the cached applied version suppresses more DDL
	before := len(db.ddlSQL())
	if err := d.Push(context.Background(), versionedRecord(t, 2, 1, map[string]any{"order_id": int64(2)})); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := len(db.ddlSQL()); got != before {
		t.Fatalf("ddl reissued for a known version: %d -> %d", before, got)
	}
}

func TestFlushIsNoopWhenEmpty(t *testing.T) {
	db := &fakeDB{}
	d, _ := newTestSink(t, db, 10)
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(db.appliedSQL()) != 0 {
		t.Fatalf("empty flush executed statements")
	}
}
