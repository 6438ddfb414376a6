package coerce

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/slotwise/slotwise-migrate/internal/schema"
	"github.com/slotwise/slotwise-migrate/internal/typemap"
)

// Error reports a value that could not be converted to its target type.
// In strict mode a single Error aborts the table; in lenient mode the row
// is skipped and logged and the table continues.
type Error struct {
	Column string
	Value  any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cannot coerce column %q value %v: %s", e.Column, e.Value, e.Reason)
}

// TimestampLayouts are the textual timestamp formats accepted from the
// source. Values without an explicit zone are assumed to be UTC; the
// booking application always wrote wall-clock UTC.
var TimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

const dateLayout = "2006-01-02"

// Value converts a raw source value to its target-dialect equivalent, or
// returns an *Error. It is a pure function: no I/O, no shared state. NULL
// passes through untouched; the target's own constraints decide whether a
// NULL is acceptable there.
func Value(col schema.Column, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch typemap.PGType(col.TargetType) {
	case typemap.PGBoolean:
		return toBool(col, raw)
	case typemap.PGTimestampTZ:
		return toTimestamp(col, raw)
	case typemap.PGDate:
		return toDate(col, raw)
	case typemap.PGBytea:
		return toBytes(col, raw)
	case typemap.PGJSONB:
		return toJSON(col, raw)
	case typemap.PGNumeric:
		return toDecimal(col, raw)
	case typemap.PGBigint, typemap.PGInteger:
		return toInteger(col, raw)
	case typemap.PGDouble:
		return toDouble(col, raw)
	case typemap.PGText:
		return toText(col, raw)
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unknown target type %q", col.TargetType)}
	}
}

// toBool maps the source's 0/1 integer convention onto a real boolean.
// Any other integer is corrupt data, not a truthy value.
func toBool(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int64:
		switch v {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return nil, &Error{Column: col.Name, Value: v, Reason: "integer boolean must be 0 or 1"}
	case string:
		switch v {
		case "0", "false":
			return false, nil
		case "1", "true":
			return true, nil
		}
		return nil, &Error{Column: col.Name, Value: v, Reason: "not a boolean literal"}
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported boolean source %T", raw)}
	}
}

func toTimestamp(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range TimestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		if t, err := time.Parse(dateLayout, v); err == nil {
			return t.UTC(), nil
		}
		return nil, &Error{Column: col.Name, Value: v, Reason: "unrecognized timestamp format"}
	case int64:
		// Unix epoch seconds, written by older app versions.
		return time.Unix(v, 0).UTC(), nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported timestamp source %T", raw)}
	}
}

func toDate(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC().Truncate(24 * time.Hour), nil
	case string:
		if t, err := time.Parse(dateLayout, v); err == nil {
			return t.UTC(), nil
		}
		for _, layout := range TimestampLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Truncate(24 * time.Hour), nil
			}
		}
		return nil, &Error{Column: col.Name, Value: v, Reason: "unrecognized date format"}
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported date source %T", raw)}
	}
}

func toBytes(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported binary source %T", raw)}
	}
}

func toJSON(col schema.Column, raw any) (any, error) {
	var text []byte
	switch v := raw.(type) {
	case string:
		text = []byte(v)
	case []byte:
		text = v
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported JSON source %T", raw)}
	}
	if !json.Valid(text) {
		return nil, &Error{Column: col.Name, Value: string(text), Reason: "invalid JSON document"}
	}
	return string(text), nil
}

// toDecimal converts numeric values exactly. Precision loss is a hard
// error, never a silent truncation.
func toDecimal(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &Error{Column: col.Name, Value: v, Reason: "not a finite number"}
		}
		return decimal.NewFromFloat(v), nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, &Error{Column: col.Name, Value: v, Reason: "not a decimal number"}
		}
		return d, nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return nil, &Error{Column: col.Name, Value: string(v), Reason: "not a decimal number"}
		}
		return d, nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported numeric source %T", raw)}
	}
}

func toInteger(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return nil, &Error{Column: col.Name, Value: v, Reason: "fractional value in integer column"}
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, &Error{Column: col.Name, Value: v, Reason: "not an integer"}
		}
		return n, nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported integer source %T", raw)}
	}
}

func toDouble(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &Error{Column: col.Name, Value: v, Reason: "not a floating-point number"}
		}
		return f, nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported float source %T", raw)}
	}
}

func toText(col schema.Column, raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return nil, &Error{Column: col.Name, Value: raw, Reason: fmt.Sprintf("unsupported text source %T", raw)}
	}
}

// Row coerces every value of a row, in column order. The first failing
// column fails the row.
func Row(cols []schema.Column, row []any) ([]any, error) {
	if len(cols) != len(row) {
		return nil, fmt.Errorf("row has %d values for %d columns", len(row), len(cols))
	}
	out := make([]any, len(row))
	for i, col := range cols {
		v, err := Value(col, row[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
