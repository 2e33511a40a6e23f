package schema

import (
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Coerce converts a value produced by a database driver or a JSON decoder
// into the canonical Go type for the column:
// integer → int64, real → float64, text → string, blob → []byte, boolean → bool.
// nil stays nil.
func (c Column) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeInteger:
		return toInt64(v)
	case TypeReal:
		return toFloat64(v)
	case TypeText:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case json.Number:
			return x.String(), nil
		}
	case TypeBlob:
		switch x := v.(type) {
		case []byte:
			out := make([]byte, len(x))
			copy(out, x)
			return out, nil
		case string:
			// JSON carries blobs as base64
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, errors.Wrapf(err, "column %s: decode blob", c.Name)
			}
			return b, nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, err
			}
			return n != 0, nil
		}
	}
	return nil, errors.Newf("column %s: cannot use %T as %s", c.Name, v, c.Type)
}

// CoerceValues coerces a full positional value list for the table.
func (t *Table) CoerceValues(values []any) ([]any, error) {
	if len(values) != len(t.Columns) {
		return nil, errors.Newf("table %s: got %d values, want %d", t.Name, len(values), len(t.Columns))
	}
	out := make([]any, len(values))
	for i, v := range values {
		cv, err := t.Columns[i].Coerce(v)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, errors.Newf("%v is not an integer", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	}
	return 0, errors.Newf("cannot use %T as integer", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	}
	return 0, errors.Newf("cannot use %T as real", v)
}
