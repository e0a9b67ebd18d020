package envelope

import (
	"testing"

	"conveyor/schema"
)

func TestEncodeDecodeKeepsSchemaReference(t *testing.T) {
	e := Envelope{
		Subject: "orders",
		Version: 3,
		Row:     12,
		Fields:  map[string]any{"order_id": int64(7), "note": "x"},
	}
	data, err := Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Subject != "orders" || back.Version != 3 || back.Row != 12 {
		t.Fatalf("decoded %+v", back)
	}
	if back.Fields["note"] != "x" {
		t.Fatalf("fields %+v", back.Fields)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestKeyJoinsFieldsInOrder(t *testing.T) {
	e := Envelope{Fields: map[string]any{"a": int64(1), "b": "x"}}
	if got := Key(e, []string{"a", "b"}); string(got) != "1\x1fx" {
		t.Fatalf("key = %q", got)
	}
	if got := Key(e, nil); got != nil {
		t.Fatalf("keyless envelope should have nil key, got %q", got)
	}
}

func TestCoerce(t *testing.T) {
	long := schema.Field{Name: "n", Type: schema.TypeLong}
	v, err := Coerce("42", long)
	if err != nil || v != int64(42) {
		t.Fatalf("long = %#v err=%v", v, err)
	}
	if _, err := Coerce("nope", long); err == nil {
		t.Fatalf("bad long should error")
	}

	dbl := schema.Field{Name: "d", Type: schema.TypeDouble}
	v, err = Coerce("1.5", dbl)
	if err != nil || v != 1.5 {
		t.Fatalf("double = %#v err=%v", v, err)
	}

	b := schema.Field{Name: "b", Type: schema.TypeBoolean}
	v, err = Coerce("true", b)
	if err != nil || v != true {
		t.Fatalf("boolean = %#v err=%v", v, err)
	}

	nullable := schema.Field{Name: "x", Type: schema.TypeString, Nullable: true}
	v, err = Coerce("", nullable)
	if err != nil || v != nil {
		t.Fatalf("empty nullable = %#v err=%v", v, err)
	}
	required := schema.Field{Name: "x", Type: schema.TypeString}
	if _, err := Coerce("", required); err == nil {
		t.Fatalf("empty non-nullable should error")
	}
}
