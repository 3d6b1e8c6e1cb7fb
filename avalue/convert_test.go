package avalue

import (
	"math"
	"testing"
	"time"
)

func TestParseConnInfo(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		scheme  Scheme
	}{
		{"postgres://user:pw@localhost/db", false, SchemePostgres},
		{"postgresql://localhost/db", false, SchemePostgreSQL},
		{"sqlite://./file.db?MEMORY", false, SchemeSQLite},
		{"mysql://localhost/db", true, ""},
		{"not-a-url", true, ""},
	}
	for _, c := range cases {
		ci, err := ParseConnInfo(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseConnInfo(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseConnInfo(%q): unexpected error: %v", c.in, err)
			continue
		}
		if ci.Scheme != c.scheme {
			t.Errorf("ParseConnInfo(%q): scheme = %q, want %q", c.in, ci.Scheme, c.scheme)
		}
	}
}

func TestSQLiteMemoryOption(t *testing.T) {
	ci, err := ParseConnInfo("sqlite://?MEMORY")
	if err != nil {
		t.Fatal(err)
	}
	if !ci.SQLiteOption("memory") {
		t.Fatal("expected MEMORY option to be recognized case-insensitively")
	}
	if ci.SQLitePath() != "" {
		t.Fatalf("expected empty path for in-memory db, got %q", ci.SQLitePath())
	}
}

func TestDecodeTextBasics(t *testing.T) {
	v, err := DecodeText(OIDBool, []byte("t"))
	if err != nil || v != true {
		t.Fatalf("bool decode: %v, %v", v, err)
	}
	v, err = DecodeText(OIDInt4, []byte("42"))
	if err != nil || v != int32(42) {
		t.Fatalf("int4 decode: %v, %v", v, err)
	}
	v, err = DecodeText(OIDInt8, []byte("-9000000000"))
	if err != nil || v != int64(-9000000000) {
		t.Fatalf("int8 decode: %v, %v", v, err)
	}
}

func TestDecodeTextNumericInfinity(t *testing.T) {
	v, err := DecodeText(OIDNumeric, []byte("Infinity"))
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := v.(float64); !ok || !math.IsInf(f, 1) {
		t.Fatalf("expected +Inf, got %v", v)
	}
	v, err = DecodeText(OIDNumeric, []byte("-Infinity"))
	if err != nil {
		t.Fatal(err)
	}
	if f, ok := v.(float64); !ok || !math.IsInf(f, -1) {
		t.Fatalf("expected -Inf, got %v", v)
	}
}

func TestDecodeTimestamptzMissingOffsetMinutes(t *testing.T) {
	v, err := DecodeText(OIDTimestamptz, []byte("2024-01-02 03:04:05+05"))
	if err != nil {
		t.Fatal(err)
	}
	ts, ok := v.(time.Time)
	if !ok {
		t.Fatalf("expected time.Time, got %T", v)
	}
	_, offset := ts.Zone()
	if offset != 5*3600 {
		t.Fatalf("expected +05:00 offset normalized, got %d seconds", offset)
	}
}

func TestDecodeByteaHex(t *testing.T) {
	v, err := DecodeText(OIDBytea, []byte(`\x48656c6c6f`))
	if err != nil {
		t.Fatal(err)
	}
	b, ok := v.([]byte)
	if !ok || string(b) != "Hello" {
		t.Fatalf("expected 'Hello', got %v (%T)", v, v)
	}
}

func TestDecodeJSONLazy(t *testing.T) {
	v, err := DecodeText(OIDJSONB, []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	doc, ok := v.(JSON)
	if !ok {
		t.Fatalf("expected JSON, got %T", v)
	}
	var m map[string]int
	if err := doc.Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m["a"] != 1 {
		t.Fatalf("unexpected decoded map: %v", m)
	}
}

func TestEncodeDecodeBinaryRoundTrip(t *testing.T) {
	enc, err := EncodeParams([]any{true, int32(7), int64(-1234), 3.5, "hi", []byte("blob")})
	if err != nil {
		t.Fatal(err)
	}
	want := []any{true, int32(7), int64(-1234), 3.5}
	for i, w := range want {
		oid := OID(enc.OIDs[i])
		got, err := DecodeBinary(oid, enc.Values[i])
		if err != nil {
			t.Fatalf("decode param %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("param %d round-trip: got %v, want %v", i, got, w)
		}
	}
}

func TestEncodeNullParameter(t *testing.T) {
	enc, err := EncodeParams([]any{nil})
	if err != nil {
		t.Fatal(err)
	}
	if enc.Values[0] != nil {
		t.Fatalf("expected nil value bytes for NULL, got %v", enc.Values[0])
	}
	if OID(enc.OIDs[0]) != OIDUnknown {
		t.Fatalf("expected unknown oid for NULL, got %v", enc.OIDs[0])
	}
}
