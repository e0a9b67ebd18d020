// Package envelope defines the wire form of one record as it crosses the
// journal: a schema reference plus the typed field values of a single row.
package envelope

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"conveyor/schema"
)

// Journal header keys. Headers duplicate the schema reference so sinks can
// route without decoding the value.
const (
	HeaderSubject = "schema-subject"
	HeaderVersion = "schema-version"
	HeaderOrigin  = "origin"
	HeaderReason  = "dead-letter-reason"
)

type Envelope struct {
	Subject string         `json:"schema_subject"`
	Version int            `json:"schema_version"`
	Row     int64          `json:"row"`
	Fields  map[string]any `json:"fields"`
}

func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return e, nil
}

// Key derives the partition/sink key from the designated key fields. Rows
// of one key always land in one partition, which is what makes per-key
// ordering and upsert dedup work.
func Key(e Envelope, keyFields []string) []byte {
	if len(keyFields) == 0 {
		return nil
	}
	parts := make([]string, len(keyFields))
	for i, name := range keyFields {
		parts[i] = fmt.Sprint(e.Fields[name])
	}
	return []byte(strings.Join(parts, "\x1f"))
}

// Coerce converts one textual value according to its field descriptor.
// Empty values map to null for nullable fields.
func Coerce(value string, f schema.Field) (any, error) {
	if value == "" {
		if f.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("field %q is not nullable but empty", f.Name)
	}
	switch f.Type {
	case schema.TypeBoolean:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %q is not a boolean", f.Name, value)
		}
		return v, nil
	case schema.TypeLong:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: %q is not an integer", f.Name, value)
		}
		return v, nil
	case schema.TypeDouble:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: %q is not numeric", f.Name, value)
		}
		return v, nil
	case schema.TypeString:
		return value, nil
	}
	return nil, fmt.Errorf("field %q has unknown type %q", f.Name, f.Type)
}
