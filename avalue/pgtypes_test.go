package avalue

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestToUUID(t *testing.T) {
	id := uuid.New()
	got := ToUUID(id)
	if !got.Valid {
		t.Error("expected valid UUID")
	}
	if got.Bytes != id {
		t.Errorf("bytes = %v, want %v", got.Bytes, id)
	}
	if ToUUID(uuid.Nil).Valid {
		t.Error("expected invalid UUID for uuid.Nil")
	}
}

func TestToUUIDPtr(t *testing.T) {
	id := uuid.New()
	if !ToUUIDPtr(&id).Valid {
		t.Error("expected valid UUID")
	}
	if ToUUIDPtr(nil).Valid {
		t.Error("expected invalid UUID for nil pointer")
	}
}

func TestToText(t *testing.T) {
	if got := ToText("hi"); !got.Valid || got.String != "hi" {
		t.Errorf("ToText(%q) = %+v", "hi", got)
	}
}

func TestToTextPtr(t *testing.T) {
	s := "hi"
	if got := ToTextPtr(&s); !got.Valid || got.String != "hi" {
		t.Errorf("ToTextPtr = %+v", got)
	}
	if ToTextPtr(nil).Valid {
		t.Error("expected invalid text for nil pointer")
	}
}

func TestToInt4Int8(t *testing.T) {
	if got := ToInt4(7); !got.Valid || got.Int32 != 7 {
		t.Errorf("ToInt4 = %+v", got)
	}
	if ToInt4Ptr(nil).Valid {
		t.Error("expected invalid int4 for nil pointer")
	}
	if got := ToInt8(7); !got.Valid || got.Int64 != 7 {
		t.Errorf("ToInt8 = %+v", got)
	}
	if ToInt8Ptr(nil).Valid {
		t.Error("expected invalid int8 for nil pointer")
	}
}

func TestToBoolToFloat8(t *testing.T) {
	if got := ToBool(true); !got.Valid || !got.Bool {
		t.Errorf("ToBool = %+v", got)
	}
	if ToBoolPtr(nil).Valid {
		t.Error("expected invalid bool for nil pointer")
	}
	if got := ToFloat8(1.5); !got.Valid || got.Float64 != 1.5 {
		t.Errorf("ToFloat8 = %+v", got)
	}
	if ToFloat8Ptr(nil).Valid {
		t.Error("expected invalid float8 for nil pointer")
	}
}

func TestToTimestamptzAndDate(t *testing.T) {
	now := time.Now()
	if got := ToTimestamptz(now); !got.Valid || !got.Time.Equal(now) {
		t.Errorf("ToTimestamptz = %+v", got)
	}
	if ToTimestamptz(time.Time{}).Valid {
		t.Error("expected invalid timestamptz for zero time")
	}
	if ToTimestamptzPtr(nil).Valid {
		t.Error("expected invalid timestamptz for nil pointer")
	}
	if got := ToTimestamp(now); !got.Valid || !got.Time.Equal(now) {
		t.Errorf("ToTimestamp = %+v", got)
	}
	if got := ToDate(now); !got.Valid || !got.Time.Equal(now) {
		t.Errorf("ToDate = %+v", got)
	}
	if ToDatePtr(nil).Valid {
		t.Error("expected invalid date for nil pointer")
	}
}

// TestEncodeParamsPGTypes exercises EncodeParams' use of the To* bridge:
// zero values and nil pointers must encode as SQL NULL instead of a
// zero-valued column.
func TestEncodeParamsPGTypes(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	name := "hi"
	var n int32 = 7
	enc, err := EncodeParams([]any{
		id, uuid.Nil, &id, (*uuid.UUID)(nil),
		now, time.Time{}, &now, (*time.Time)(nil),
		&name, (*string)(nil),
		&n, (*int32)(nil),
	})
	if err != nil {
		t.Fatalf("EncodeParams: %v", err)
	}
	wantOID := []OID{
		OIDUUID, OIDUnknown, OIDUUID, OIDUnknown,
		OIDTimestamptz, OIDUnknown, OIDTimestamptz, OIDUnknown,
		OIDText, OIDUnknown,
		OIDInt4, OIDUnknown,
	}
	for i, want := range wantOID {
		if got := OID(enc.OIDs[i]); got != want {
			t.Errorf("param %d: OID = %d, want %d", i, got, want)
		}
		if want == OIDUnknown && len(enc.Values[i]) != 0 {
			t.Errorf("param %d: expected NULL (empty) value, got %v", i, enc.Values[i])
		}
	}
}
