package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lobreplay/pkg/exception"
	"lobreplay/pkg/fixed"
)

// Row is one raw record as delivered by a data source. Numbers should arrive as
// json.Number or strings so decimals keep their full precision.
type Row map[string]any

// RowError describes a contract violation on a single field of a row.
type RowError struct {
	Field string
	Err   error
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

func rowErr(field string, err error) error {
	return &RowError{Field: field, Err: err}
}

// lookup returns the first alias present with a non-nil value.
func (r Row) lookup(aliases []string) (string, any, bool) {
	for _, key := range aliases {
		if v, ok := r[key]; ok && v != nil {
			return key, v, true
		}
	}
	return "", nil, false
}

func (r Row) has(aliases []string) bool {
	_, _, ok := r.lookup(aliases)
	return ok
}

// microsecondCeiling separates microsecond from nanosecond epoch timestamps.
const microsecondCeiling = 1e15

// normalizeTimestamp converts an epoch value to nanoseconds.
func normalizeTimestamp(v int64) int64 {
	if v > -microsecondCeiling && v < microsecondCeiling {
		return v * 1000
	}
	return v
}

func toTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return normalizeTimestamp(n), nil
		}
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return 0, fmt.Errorf("%w: timestamp %q", exception.ErrMalformedEventBody, x)
		}
		return t.UnixNano(), nil
	case time.Time:
		return x.UnixNano(), nil
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return normalizeTimestamp(n), nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil || !d.IsInteger() {
			return 0, fmt.Errorf("%w: integer %q", exception.ErrMalformedEventBody, x.String())
		}
		return d.IntPart(), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: integer %q", exception.ErrMalformedEventBody, x)
		}
		return n, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: integer %d", exception.ErrDecimalOverflow, x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.Abs(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: integer %v", exception.ErrMalformedEventBody, x)
		}
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: integer of type %T", exception.ErrMalformedEventBody, v)
	}
}

// toScaled parses a price or quantity. Floats are accepted at this boundary only.
func toScaled(v any) (fixed.Scaled, error) {
	switch x := v.(type) {
	case fixed.Scaled:
		return x, nil
	case string:
		return fixed.Parse(strings.TrimSpace(x))
	case json.Number:
		return fixed.Parse(x.String())
	case decimal.Decimal:
		return fixed.FromDecimal(x)
	case float64:
		return fixed.FromFloat(x)
	case float32:
		return fixed.FromFloat(float64(x))
	case int, int32, int64, uint32, uint64:
		n, err := toInt64(x)
		if err != nil {
			return 0, err
		}
		return fixed.FromDecimal(decimal.NewFromInt(n))
	default:
		return 0, fmt.Errorf("%w: value of type %T", exception.ErrInvalidDecimal, v)
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}
