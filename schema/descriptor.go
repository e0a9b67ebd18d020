package schema

import "fmt"

type FieldType string

const (
	TypeBoolean FieldType = "boolean"
	TypeLong    FieldType = "long"
	TypeDouble  FieldType = "double"
	TypeString  FieldType = "string"
)

type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable"`
}

// Descriptor is one version of a stream's record shape. Field order is the
// column order of the originating file and is preserved across versions;
// new versions only ever append fields.
type Descriptor struct {
	Subject string  `json:"subject"`
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`
}

func (d Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (d Descriptor) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

func (d Descriptor) validate() error {
	if d.Subject == "" {
		return fmt.Errorf("schema: descriptor without subject")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("schema: descriptor %q has no fields", d.Subject)
	}
	seen := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema: descriptor %q has an unnamed field", d.Subject)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema: descriptor %q repeats field %q", d.Subject, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case TypeBoolean, TypeLong, TypeDouble, TypeString:
		default:
			return fmt.Errorf("schema: descriptor %q field %q has unknown type %q", d.Subject, f.Name, f.Type)
		}
	}
	return nil
}
