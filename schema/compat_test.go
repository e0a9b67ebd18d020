package schema

import (
	"errors"
	"testing"
)

func desc(subject string, version int, fields ...Field) Descriptor {
	return Descriptor{Subject: subject, Version: version, Fields: fields}
}

func TestCheckCompatibleAdditiveNullable(t *testing.T) {
	v1 := desc("orders", 1,
		Field{Name: "order_id", Type: TypeLong},
		Field{Name: "amount", Type: TypeDouble, Nullable: true},
	)
	v2 := desc("orders", 2,
		Field{Name: "order_id", Type: TypeLong},
		Field{Name: "amount", Type: TypeDouble, Nullable: true},
		Field{Name: "currency", Type: TypeString, Nullable: true},
	)
	if !CheckCompatible(v1, v2) {
		t.Fatalf("additive nullable field should be compatible")
	}
}

func TestCheckCompatibleRejectsRemovedField(t *testing.T) {
	v1 := desc("orders", 1,
		Field{Name: "order_id", Type: TypeLong},
		Field{Name: "amount", Type: TypeDouble, Nullable: true},
	)
	v2 := desc("orders", 2,
		Field{Name: "order_id", Type: TypeLong},
	)
	if CheckCompatible(v1, v2) {
		t.Fatalf("removed field should be incompatible")
	}
}

func TestCheckCompatibleRejectsRetype(t *testing.T) {
	v1 := desc("orders", 1, Field{Name: "qty", Type: TypeLong})
	v2 := desc("orders", 2, Field{Name: "qty", Type: TypeString})
	if CheckCompatible(v1, v2) {
		t.Fatalf("retyped field should be incompatible")
	}
}

func TestCheckCompatibleRejectsNonNullableAddition(t *testing.T) {
	v1 := desc("orders", 1, Field{Name: "order_id", Type: TypeLong})
	v2 := desc("orders", 2,
		Field{Name: "order_id", Type: TypeLong},
		Field{Name: "region", Type: TypeString},
	)
	if CheckCompatible(v1, v2) {
		t.Fatalf("new non-nullable field should be incompatible")
	}
}

func TestCompatibilityErrorWrapsConflict(t *testing.T) {
	v1 := desc("orders", 1, Field{Name: "qty", Type: TypeLong})
	v2 := desc("orders", 2, Field{Name: "qty", Type: TypeDouble})
	err := compatibilityError(v1, v2)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errors.Is(err, ErrSchemaConflict) {
		t.Fatalf("expected ErrSchemaConflict, got %v", err)
	}
	if !IsConflict(err) {
		t.Fatalf("IsConflict should report true")
	}
}
