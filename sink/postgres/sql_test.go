package postgres

import (
	"testing"

	"conveyor/schema"
)

var orderDesc = schema.Descriptor{
	Subject: "orders",
	Version: 1,
	Fields: []schema.Field{
		{Name: "order_id", Type: schema.TypeLong},
		{Name: "amount", Type: schema.TypeDouble, Nullable: true},
		{Name: "note", Type: schema.TypeString, Nullable: true},
	},
}

func TestBuildCreateTable(t *testing.T) {
	got := buildCreateTable("orders", orderDesc, []string{"order_id"})
	want := `CREATE TABLE IF NOT EXISTS "orders" ("order_id" BIGINT NOT NULL, "amount" DOUBLE PRECISION, "note" TEXT, PRIMARY KEY ("order_id"))`
	if got != want {
		t.Fatalf("create table:\n got %s\nwant %s", got, want)
	}
}

func TestBuildUpsert(t *testing.T) {
	got := buildUpsert("orders", []string{"order_id", "amount", "note"}, []string{"order_id"})
	want := `INSERT INTO "orders" ("order_id", "amount", "note") VALUES ($1, $2, $3)` +
		` ON CONFLICT ("order_id") DO UPDATE SET "amount" = EXCLUDED."amount", "note" = EXCLUDED."note"`
	if got != want {
		t.Fatalf("upsert:\n got %s\nwant %s", got, want)
	}
}

func TestBuildUpsertKeyOnlyTable(t *testing.T) {
	got := buildUpsert("seen", []string{"id"}, []string{"id"})
	want := `INSERT INTO "seen" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING`
	if got != want {
		t.Fatalf("key-only upsert:\n got %s\nwant %s", got, want)
	}
}

func TestBuildInsert(t *testing.T) {
	got := buildInsert("orders", []string{"a", "b"})
	want := `INSERT INTO "orders" ("a", "b") VALUES ($1, $2)`
	if got != want {
		t.Fatalf("insert:\n got %s\nwant %s", got, want)
	}
}

func TestBuildAddColumn(t *testing.T) {
	got := buildAddColumn("orders", schema.Field{Name: "currency", Type: schema.TypeString, Nullable: true})
	want := `ALTER TABLE "orders" ADD COLUMN IF NOT EXISTS "currency" TEXT`
	if got != want {
		t.Fatalf("add column:\n got %s\nwant %s", got, want)
	}
}

func TestQuoteIdentEscapesQuotes(t *testing.T) {
	if got := quoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("quoted = %s", got)
	}
}

func TestBuildCheckpointUpsertNeverMovesBackwards(t *testing.T) {
	got := buildCheckpointUpsert()
	want := `INSERT INTO "conveyor_checkpoints" (topic, partition, applied_offset) VALUES ($1, $2, $3) ` +
		`ON CONFLICT (topic, partition) DO UPDATE SET applied_offset = GREATEST("conveyor_checkpoints".applied_offset, EXCLUDED.applied_offset)`
	if got != want {
		t.Fatalf("checkpoint upsert:\n got %s\nwant %s", got, want)
	}
}

func TestSQLValue(t *testing.T) {
	long := schema.Field{Name: "n", Type: schema.TypeLong}
	if got := sqlValue(long, float64(42)); got != int64(42) {
		t.Fatalf("long from json float = %#v", got)
	}
	dbl := schema.Field{Name: "d", Type: schema.TypeDouble}
	if got := sqlValue(dbl, float64(1.5)); got != 1.5 {
		t.Fatalf("double = %#v", got)
	}
	b := schema.Field{Name: "b", Type: schema.TypeBoolean}
	if got := sqlValue(b, true); got != true {
		t.Fatalf("boolean = %#v", got)
	}
	s := schema.Field{Name: "s", Type: schema.TypeString}
	if got := sqlValue(s, "x"); got != "x" {
		t.Fatalf("string = %#v", got)
	}
	if got := sqlValue(s, nil); got != nil {
		t.Fatalf("nil should pass through, got %#v", got)
	}
}
