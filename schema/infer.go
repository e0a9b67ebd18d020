package schema

import "strconv"

// InferType classifies a single textual value. The ladder is
// boolean -> long -> double -> string; empty values carry no information
// and infer as TypeString only when nothing better is ever observed.
func InferType(value string) FieldType {
	if value == "" {
		return ""
	}
	if value == "true" || value == "false" {
		return TypeBoolean
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return TypeLong
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return TypeDouble
	}
	return TypeString
}

// Widen merges two observations of the same column. A long widens to a
// double when decimals show up; anything that once looked like a string
// stays a string.
func Widen(a, b FieldType) FieldType {
	switch {
	case a == b:
		return a
	case a == "":
		return b
	case b == "":
		return a
	case (a == TypeLong && b == TypeDouble) || (a == TypeDouble && b == TypeLong):
		return TypeDouble
	default:
		return TypeString
	}
}

// Inferrer accumulates column types across the rows of one file.
type Inferrer struct {
	names []string
	types []FieldType
}

func NewInferrer(names []string) *Inferrer {
	return &Inferrer{names: names, types: make([]FieldType, len(names))}
}

func (in *Inferrer) Observe(row []string) {
	for i := range in.types {
		if i < len(row) {
			in.types[i] = Widen(in.types[i], InferType(row[i]))
		}
	}
}

// Descriptor produces a version-0 (unregistered) descriptor. Columns that
// never held a value default to string. Key fields are non-nullable, the
// rest nullable so later files can omit trailing columns.
func (in *Inferrer) Descriptor(subject string, keyFields []string) Descriptor {
	keys := make(map[string]struct{}, len(keyFields))
	for _, k := range keyFields {
		keys[k] = struct{}{}
	}
	fields := make([]Field, len(in.names))
	for i, name := range in.names {
		t := in.types[i]
		if t == "" {
			t = TypeString
		}
		_, isKey := keys[name]
		fields[i] = Field{Name: name, Type: t, Nullable: !isKey}
	}
	return Descriptor{Subject: subject, Fields: fields}
}
