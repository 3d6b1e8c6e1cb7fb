// Package avalue implements the fixed value-conversion table between
// backend wire types and Go values, plus the query parameter encoding
// contract. It is the only package in this module that knows how a
// Postgres wire-level column type maps onto a Go value.
package avalue

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OID is a Postgres type OID. These are the stable, well-known values
// from the server's pg_type catalog, not specific to any client library.
type OID uint32

const (
	OIDBool        OID = 16
	OIDBytea       OID = 17
	OIDInt8        OID = 20
	OIDInt2        OID = 21
	OIDInt4        OID = 23
	OIDRegproc     OID = 24
	OIDText        OID = 25
	OIDOIDType     OID = 26
	OIDXID         OID = 28
	OIDCID         OID = 29
	OIDJSON        OID = 114
	OIDFloat4      OID = 700
	OIDFloat8      OID = 701
	OIDUnknown     OID = 705
	OIDDate        OID = 1082
	OIDTime        OID = 1083
	OIDTimestamp   OID = 1114
	OIDTimestamptz OID = 1184
	OIDTimetz      OID = 1266
	OIDNumeric     OID = 1700
	OIDUUID        OID = 2950
	OIDJSONB       OID = 3802
)

// JSON is a lazily-parsed JSON document: the raw bytes are kept
// verbatim and only decoded on first access via Decode.
type JSON struct {
	raw []byte
}

// Raw returns the original, unparsed JSON text.
func (j JSON) Raw() []byte { return j.raw }

// Decode parses the JSON document into v, exactly like json.Unmarshal.
func (j JSON) Decode(v any) error { return json.Unmarshal(j.raw, v) }

// String returns the raw JSON text, or the parsed string itself if the
// document was merely a quoted JSON string.
func (j JSON) String() string {
	var s string
	if err := json.Unmarshal(j.raw, &s); err == nil {
		return s
	}
	return string(j.raw)
}

// DecodeText converts a textual wire value for the given column OID
// into its in-memory representation. Postgres' simple query protocol
// (used for unparameterized Exec) always returns text-format values,
// so this is the decode path for most results; see DecodeBinary for
// the ExecParams/ExecPrepared path.
func DecodeText(oid OID, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	s := string(raw)
	switch oid {
	case OIDBool:
		return s == "t" || s == "true" || s == "1", nil
	case OIDInt2, OIDInt4, OIDOIDType, OIDRegproc, OIDXID, OIDCID:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("asql: decode int32 column: %w", err)
		}
		return int32(n), nil
	case OIDInt8:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("asql: decode int64 column: %w", err)
		}
		return n, nil
	case OIDFloat4, OIDFloat8, OIDNumeric:
		return parseFloat(s)
	case OIDDate:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("asql: decode date column: %w", err)
		}
		return t, nil
	case OIDTime, OIDTimetz:
		return parseWallClockTime(s)
	case OIDTimestamp, OIDTimestamptz:
		return parseTimestamp(s)
	case OIDBytea:
		return unescapeBytea(s)
	case OIDJSON, OIDJSONB:
		return JSON{raw: raw}, nil
	case OIDUUID:
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("asql: decode uuid column: %w", err)
		}
		return id, nil
	default:
		return s, nil
	}
}

// DecodeBinary mirrors DecodeText for the fixed-width binary encodings
// EncodeParams produces: numeric types are transmitted as big-endian
// bytes, not text. Used for columns returned by ExecParams/ExecPrepared
// when the driver requested binary result format.
func DecodeBinary(oid OID, raw []byte) (any, error) {
	switch oid {
	case OIDBool:
		if len(raw) != 1 {
			return nil, fmt.Errorf("asql: bool column: want 1 byte, got %d", len(raw))
		}
		return raw[0] != 0, nil
	case OIDInt2:
		if len(raw) != 2 {
			return nil, fmt.Errorf("asql: int16 column: want 2 bytes, got %d", len(raw))
		}
		return int32(int16(uint16(raw[0])<<8 | uint16(raw[1]))), nil
	case OIDInt4, OIDOIDType, OIDRegproc, OIDXID, OIDCID:
		if len(raw) != 4 {
			return nil, fmt.Errorf("asql: int32 column: want 4 bytes, got %d", len(raw))
		}
		return int32(beUint32(raw)), nil
	case OIDInt8:
		if len(raw) != 8 {
			return nil, fmt.Errorf("asql: int64 column: want 8 bytes, got %d", len(raw))
		}
		return int64(beUint64(raw)), nil
	case OIDFloat4:
		if len(raw) != 4 {
			return nil, fmt.Errorf("asql: float32 column: want 4 bytes, got %d", len(raw))
		}
		return float64(math.Float32frombits(beUint32(raw))), nil
	case OIDFloat8, OIDNumeric:
		if len(raw) != 8 {
			return nil, fmt.Errorf("asql: float64 column: want 8 bytes, got %d", len(raw))
		}
		return math.Float64frombits(beUint64(raw)), nil
	case OIDBytea:
		return append([]byte(nil), raw...), nil
	case OIDUUID:
		if len(raw) != 16 {
			return nil, fmt.Errorf("asql: uuid column: want 16 bytes, got %d", len(raw))
		}
		var id uuid.UUID
		copy(id[:], raw)
		return id, nil
	case OIDJSON, OIDJSONB:
		return JSON{raw: raw}, nil
	case OIDText:
		return string(raw), nil
	case OIDDate:
		if len(raw) != 4 {
			return nil, fmt.Errorf("asql: date column: want 4 bytes, got %d", len(raw))
		}
		days := int32(beUint32(raw))
		return pgEpoch.AddDate(0, 0, int(days)), nil
	case OIDTimestamp, OIDTimestamptz:
		if len(raw) != 8 {
			return nil, fmt.Errorf("asql: timestamp column: want 8 bytes, got %d", len(raw))
		}
		micros := int64(beUint64(raw))
		return pgEpoch.Add(time.Duration(micros) * time.Microsecond), nil
	default:
		return DecodeText(oid, raw)
	}
}

// pgEpoch is the zero point ("2000-01-01") Postgres' binary date and
// timestamp formats count from, as opposed to the Unix epoch.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func parseFloat(s string) (float64, error) {
	switch s {
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("asql: decode numeric column: %w", err)
	}
	return f, nil
}

// parseWallClockTime parses a Postgres "time"/"timetz" text value into a
// time.Time anchored at the zero date, preserving only the wall-clock
// component ("time/timetz → wall-clock time").
func parseWallClockTime(s string) (time.Time, error) {
	s = normalizeOffset(s)
	for _, layout := range []string{"15:04:05.999999Z07:00", "15:04:05Z07:00", "15:04:05.999999", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("asql: decode time column %q: unrecognized format", s)
}

// parseTimestamp parses "timestamp"/"timestamptz" text, normalizing a
// missing ":MM" in the zone offset to ":00"
func parseTimestamp(s string) (time.Time, error) {
	s = normalizeOffset(strings.Replace(s, " ", "T", 1))
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("asql: decode timestamp column %q: unrecognized format", s)
}

// normalizeOffset appends ":00" to a trailing two-digit UTC offset such
// as "+05" so it parses as "+05:00",
func normalizeOffset(s string) string {
	n := len(s)
	if n < 3 {
		return s
	}
	sign := s[n-3]
	if (sign == '+' || sign == '-') && isDigit(s[n-2]) && isDigit(s[n-1]) {
		return s + ":00"
	}
	return s
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// unescapeBytea decodes the server's "\x"-prefixed hex bytea text
// representation.
func unescapeBytea(s string) ([]byte, error) {
	if strings.HasPrefix(s, "\\x") {
		return hex.DecodeString(s[2:])
	}
	// Legacy escape format: fall back to verbatim bytes; rare in
	// practice since Postgres defaults to hex output since 9.0.
	return []byte(s), nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}
