package avalue

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// The To* helpers below convert Go-native values into pgx's nullable
// pgtype wrappers. EncodeParams uses them directly so that a zero
// uuid.UUID, a zero time.Time, or a nil pointer all encode as SQL NULL
// the same way pgx's own nullable types would, instead of a caller
// having to special-case each one before building a parameter list.

func ToUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{
		Valid: id != uuid.Nil,
		Bytes: id,
	}
}

func ToUUIDPtr(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{Valid: false}
	}
	return ToUUID(*id)
}

func ToTimestamp(t time.Time) pgtype.Timestamp {
	return pgtype.Timestamp{
		Valid: !t.IsZero(),
		Time:  t,
	}
}

func ToTimestampPtr(t *time.Time) pgtype.Timestamp {
	if t == nil {
		return pgtype.Timestamp{Valid: false}
	}
	return ToTimestamp(*t)
}

func ToTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{
		Valid: !t.IsZero(),
		Time:  t,
	}
}

func ToTimestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return ToTimestamptz(*t)
}

func ToDate(t time.Time) pgtype.Date {
	return pgtype.Date{
		Valid: !t.IsZero(),
		Time:  t,
	}
}

func ToDatePtr(t *time.Time) pgtype.Date {
	if t == nil {
		return pgtype.Date{Valid: false}
	}
	return ToDate(*t)
}

func ToText(s string) pgtype.Text {
	return pgtype.Text{Valid: true, String: s}
}

func ToTextPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return ToText(*s)
}

func ToInt4(i int32) pgtype.Int4 {
	return pgtype.Int4{Valid: true, Int32: i}
}

func ToInt4Ptr(i *int32) pgtype.Int4 {
	if i == nil {
		return pgtype.Int4{Valid: false}
	}
	return ToInt4(*i)
}

func ToInt8(i int64) pgtype.Int8 {
	return pgtype.Int8{Valid: true, Int64: i}
}

func ToInt8Ptr(i *int64) pgtype.Int8 {
	if i == nil {
		return pgtype.Int8{Valid: false}
	}
	return ToInt8(*i)
}

func ToBool(b bool) pgtype.Bool {
	return pgtype.Bool{Valid: true, Bool: b}
}

func ToBoolPtr(b *bool) pgtype.Bool {
	if b == nil {
		return pgtype.Bool{Valid: false}
	}
	return ToBool(*b)
}

func ToFloat8(f float64) pgtype.Float8 {
	return pgtype.Float8{Valid: true, Float64: f}
}

func ToFloat8Ptr(f *float64) pgtype.Float8 {
	if f == nil {
		return pgtype.Float8{Valid: false}
	}
	return ToFloat8(*f)
}

// The encodePG* helpers below are EncodeParams' bridge back from a
// pgtype.* wrapper to the (OID, bytes, format) triple a Driver submits:
// an invalid wrapper always encodes as NULL, regardless of which
// Go-native type or pointer produced it.
func encodePGUUID(v pgtype.UUID) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	b := v.Bytes
	return OIDUUID, b[:], FormatBinary, nil
}

func encodePGText(v pgtype.Text) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	return OIDText, []byte(v.String), FormatText, nil
}

func encodePGInt4(v pgtype.Int4) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	return OIDInt4, beBytes32(uint32(v.Int32)), FormatBinary, nil
}

func encodePGInt8(v pgtype.Int8) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	return OIDInt8, beBytes64(uint64(v.Int64)), FormatBinary, nil
}

func encodePGBool(v pgtype.Bool) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	if v.Bool {
		return OIDBool, []byte{1}, FormatBinary, nil
	}
	return OIDBool, []byte{0}, FormatBinary, nil
}

func encodePGFloat8(v pgtype.Float8) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	return OIDFloat8, beBytes64(math.Float64bits(v.Float64)), FormatBinary, nil
}

func encodePGTimestamptz(v pgtype.Timestamptz) (OID, []byte, int16, error) {
	if !v.Valid {
		return OIDUnknown, nil, FormatText, nil
	}
	return OIDTimestamptz, []byte(v.Time.UTC().Format(time.RFC3339Nano)), FormatText, nil
}
