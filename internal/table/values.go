package table

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrColumnNotFound = errors.New("column not found")
	ErrColumnExists   = errors.New("column already exists")
	ErrRowOutOfRange  = errors.New("row index out of range")
	ErrBadValue       = errors.New("value does not match column type")
)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// parseCell interprets raw CSV text as a value of type t.
func parseCell(raw string, t Type) (any, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrBadValue, raw)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrBadValue, raw)
		}
		return f, nil
	case TypeBoolean:
		b, ok := parseBool(s)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrBadValue, raw)
		}
		return b, nil
	case TypeDatetime:
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not a datetime", ErrBadValue, raw)
	}
	return raw, nil
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

// inferType picks the narrowest type every non-empty cell parses as.
// Datetime is never inferred; it is only reached through change_type.
func inferType(cells []string) Type {
	candidates := []Type{TypeInteger, TypeFloat, TypeBoolean}
	seen := false
	for _, c := range cells {
		if strings.TrimSpace(c) == "" {
			continue
		}
		seen = true
		kept := candidates[:0]
		for _, t := range candidates {
			if _, err := parseCell(c, t); err == nil {
				kept = append(kept, t)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return TypeString
		}
	}
	if !seen {
		return TypeString
	}
	return candidates[0]
}

// typeOf reports the column type that holds v.
func typeOf(v any) Type {
	switch v.(type) {
	case int64:
		return TypeInteger
	case float64:
		return TypeFloat
	case bool:
		return TypeBoolean
	case time.Time:
		return TypeDatetime
	}
	return TypeString
}

// inferValuesType picks a column type for already-typed values.
func inferValuesType(values []any) Type {
	var t Type
	for _, v := range values {
		if v == nil {
			continue
		}
		vt := typeOf(v)
		switch {
		case t == "":
			t = vt
		case t == vt:
		case (t == TypeInteger && vt == TypeFloat) || (t == TypeFloat && vt == TypeInteger):
			t = TypeFloat
		default:
			return TypeString
		}
	}
	if t == "" {
		return TypeString
	}
	return t
}

// normalize maps values produced by JSON decoding or expression evaluation
// onto the Dataset cell representation.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, int64, float64, bool, time.Time:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// coerce converts v to type t.
func coerce(v any, t Type) (any, error) {
	v = normalize(v)
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString:
		return formatValue(v), nil
	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
			return nil, fmt.Errorf("%w: %v is not an integer", ErrBadValue, x)
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			return parseCell(x, TypeInteger)
		}
	case TypeFloat:
		switch x := v.(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case bool:
			if x {
				return 1.0, nil
			}
			return 0.0, nil
		case string:
			return parseCell(x, TypeFloat)
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case float64:
			return x != 0, nil
		case string:
			return parseCell(x, TypeBoolean)
		}
	case TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case int64:
			return time.Unix(x, 0).UTC(), nil
		case string:
			return parseCell(x, TypeDatetime)
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %T to %s", ErrBadValue, v, t)
}

// formatValue renders a cell for text output. Missing values render empty.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// compareValues orders two cells. Missing values sort after everything else;
// mixed numeric types compare numerically and other mixes compare as text.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
