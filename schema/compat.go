package schema

import (
	"errors"
	"fmt"
)

// ErrSchemaConflict marks a descriptor change that existing consumers could
// not read: a removed field, a retyped field, or a new non-nullable field.
var ErrSchemaConflict = errors.New("schema: incompatible descriptor change")

// ErrNotFound is returned by Resolve/Latest when the subject or version is
// unknown to the registry.
var ErrNotFound = errors.New("schema: subject or version not found")

func IsConflict(err error) bool { return errors.Is(err, ErrSchemaConflict) }
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// CheckCompatible reports whether candidate is a backward-compatible
// successor of existing: every existing field keeps its name and type, and
// every field new in candidate is nullable.
func CheckCompatible(existing, candidate Descriptor) bool {
	return explainIncompatible(existing, candidate) == ""
}

func explainIncompatible(existing, candidate Descriptor) string {
	for _, old := range existing.Fields {
		cur, ok := candidate.Field(old.Name)
		if !ok {
			return fmt.Sprintf("field %q removed", old.Name)
		}
		if cur.Type != old.Type {
			return fmt.Sprintf("field %q retyped %s -> %s", old.Name, old.Type, cur.Type)
		}
	}
	for _, cur := range candidate.Fields {
		if _, ok := existing.Field(cur.Name); !ok && !cur.Nullable {
			return fmt.Sprintf("new field %q is not nullable", cur.Name)
		}
	}
	return ""
}

func compatibilityError(existing, candidate Descriptor) error {
	reason := explainIncompatible(existing, candidate)
	if reason == "" {
		return nil
	}
	return fmt.Errorf("%w: subject %q version %d: %s",
		ErrSchemaConflict, existing.Subject, existing.Version, reason)
}
