package avalue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// FormatText and FormatBinary mirror the wire-level format codes
// pgconn.ExecParams expects per parameter.
const (
	FormatText   int16 = 0
	FormatBinary int16 = 1
)

// EncodedParams holds the parallel arrays pgconn.ExecParams expects:
// value bytes, a type-oid per value, and a format code per value. nil
// Values with OID OIDUnknown and length 0 signal NULL, letting the
// server perform type deduction.
type EncodedParams struct {
	OIDs    []uint32
	Values  [][]byte
	Formats []int16
}

// EncodeParams converts a parameter list into the wire-ready arrays a
// Driver submits alongside a parameterized query. Typed inputs:
// nil (→ NULL), bool, int32, int and int64 (both as int8), float32 and
// float64, string, []byte, JSON and json.RawMessage (as jsonb), and
// uuid.UUID, time.Time, *uuid.UUID, *string, *int32, *int64, *bool,
// *float64, *time.Time, each routed through the matching To* helper in
// pgtypes.go so that a nil pointer, uuid.Nil or a zero time.Time
// encodes as NULL instead of a zero-valued column. Any other value,
// including the pgtype.* wrappers themselves, is passed to
// json.Marshal and sent as jsonb; a value json.Marshal rejects is
// reported synchronously rather than deferred to the server.
func EncodeParams(params []any) (EncodedParams, error) {
	out := EncodedParams{
		OIDs:    make([]uint32, len(params)),
		Values:  make([][]byte, len(params)),
		Formats: make([]int16, len(params)),
	}
	for i, p := range params {
		oid, value, format, err := encodeOne(p)
		if err != nil {
			return EncodedParams{}, fmt.Errorf("asql: encode parameter %d: %w", i, err)
		}
		out.OIDs[i] = uint32(oid)
		out.Values[i] = value
		out.Formats[i] = format
	}
	return out, nil
}

func encodeOne(p any) (OID, []byte, int16, error) {
	switch v := p.(type) {
	case nil:
		return OIDUnknown, nil, FormatText, nil
	case bool:
		if v {
			return OIDBool, []byte{1}, FormatBinary, nil
		}
		return OIDBool, []byte{0}, FormatBinary, nil
	case int:
		return encodeOne(int64(v))
	case int32:
		return OIDInt4, beBytes32(uint32(v)), FormatBinary, nil
	case int64:
		return OIDInt8, beBytes64(uint64(v)), FormatBinary, nil
	case float32:
		return encodeOne(float64(v))
	case float64:
		return OIDFloat8, beBytes64(math.Float64bits(v)), FormatBinary, nil
	case string:
		return OIDText, []byte(v), FormatText, nil
	case *string:
		return encodePGText(ToTextPtr(v))
	case []byte:
		return OIDBytea, v, FormatBinary, nil
	case uuid.UUID:
		return encodePGUUID(ToUUID(v))
	case *uuid.UUID:
		return encodePGUUID(ToUUIDPtr(v))
	case *int32:
		return encodePGInt4(ToInt4Ptr(v))
	case *int64:
		return encodePGInt8(ToInt8Ptr(v))
	case *bool:
		return encodePGBool(ToBoolPtr(v))
	case *float64:
		return encodePGFloat8(ToFloat8Ptr(v))
	case time.Time:
		return encodePGTimestamptz(ToTimestamptz(v))
	case *time.Time:
		return encodePGTimestamptz(ToTimestamptzPtr(v))
	case JSON:
		return OIDJSONB, v.raw, FormatText, nil
	case json.RawMessage:
		return OIDJSONB, v, FormatText, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 0, nil, 0, fmt.Errorf("unsupported parameter type %T: %w", p, err)
		}
		return OIDJSONB, b, FormatText, nil
	}
}

func beBytes32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func beBytes64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
