package postgres

import (
	"fmt"
	"strings"

	"conveyor/schema"
)

// checkpointTable holds per-partition delivery progress. It lives in the
// target database so it commits in the same transaction as the rows it
// covers.
const checkpointTable = "conveyor_checkpoints"

func pgType(t schema.FieldType) string {
	switch t {
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeLong:
		return "BIGINT"
	case schema.TypeDouble:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func buildCreateTable(table string, d schema.Descriptor, keys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", quoteIdent(table))
	for i, f := range d.Fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", quoteIdent(f.Name), pgType(f.Type))
		if !f.Nullable {
			b.WriteString(" NOT NULL")
		}
	}
	if len(keys) > 0 {
		quoted := make([]string, len(keys))
		for i, k := range keys {
			quoted[i] = quoteIdent(k)
		}
		fmt.Fprintf(&b, ", PRIMARY KEY (%s)", strings.Join(quoted, ", "))
	}
	b.WriteString(")")
	return b.String()
}

func buildAddColumn(table string, f schema.Field) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		quoteIdent(table), quoteIdent(f.Name), pgType(f.Type))
}

func buildInsert(table string, cols []string) string {
	var b strings.Builder
	writeInsertPrefix(&b, table, cols)
	return b.String()
}

// buildUpsert emits INSERT ... ON CONFLICT DO UPDATE. Applying the same
// record twice leaves the row unchanged, which is what makes at-least-once
// replay safe.
func buildUpsert(table string, cols, keys []string) string {
	var b strings.Builder
	writeInsertPrefix(&b, table, cols)
	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = quoteIdent(k)
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(quotedKeys, ", "))
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	first := true
	for _, c := range cols {
		if _, isKey := keySet[c]; isKey {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c))
	}
	if first {
		// key-only table: nothing to update, keep the insert idempotent
		b.Reset()
		writeInsertPrefix(&b, table, cols)
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(quotedKeys, ", "))
	}
	return b.String()
}

func writeInsertPrefix(b *strings.Builder, table string, cols []string) {
	fmt.Fprintf(b, "INSERT INTO %s (", quoteIdent(table))
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "$%d", i+1)
	}
	b.WriteString(")")
}

func buildCheckpointDDL() string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (topic TEXT NOT NULL, partition INT NOT NULL, applied_offset BIGINT NOT NULL, PRIMARY KEY (topic, partition))",
		quoteIdent(checkpointTable))
}

// buildCheckpointUpsert never moves a checkpoint backwards, even if an
// older batch replays.
func buildCheckpointUpsert() string {
	return fmt.Sprintf(
		"INSERT INTO %s (topic, partition, applied_offset) VALUES ($1, $2, $3) "+
			"ON CONFLICT (topic, partition) DO UPDATE SET applied_offset = GREATEST(%s.applied_offset, EXCLUDED.applied_offset)",
		quoteIdent(checkpointTable), quoteIdent(checkpointTable))
}

func buildCheckpointSelect() string {
	return fmt.Sprintf("SELECT partition, applied_offset FROM %s WHERE topic = $1", quoteIdent(checkpointTable))
}
