package types

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	gojson "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// CastError reports a value that cannot be converted without loss
type CastError struct {
	Value      any
	SourceType string
	TargetType Type
	Reason     string
}

func (e *CastError) Error() string {
	msg := fmt.Sprintf("cannot cast %v (%s) to %s", e.Value, e.SourceType, e.TargetType)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

const twoPow63 = float64(1 << 63)

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

func castError(v any, t Type, reason string) *CastError {
	return &CastError{Value: v, SourceType: fmt.Sprintf("%T", v), TargetType: t, Reason: reason}
}

// timeLayouts are tried in order when a string is cast to a temporal type
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Cast converts v to the canonical Go representation of t:
//
//	Varchar, Char, Text     string
//	SmallInt, Integer, BigInt int64
//	Boolean                 bool
//	Float, Double           float64
//	Decimal                 decimal.Decimal
//	Date, Time, Timestamp   time.Time
//	Binary                  []byte
//	JSON                    string holding a valid JSON document
//
// nil casts to nil. Casting a canonical value to its own type returns it unchanged.
func Cast(v any, t Type) (any, error) {
	return CastColumn(v, t, 0, 0)
}

// CastColumn is Cast honoring a column precision and scale. Strings longer
// than the precision fail, decimals are rounded half-up to the scale and fail
// when the integer part does not fit.
func CastColumn(v any, t Type, precision, scale int) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Varchar, Char, Text:
		s, err := toString(v, t)
		if err != nil {
			return nil, err
		}
		if precision > 0 && t != Text && utf8.RuneCountInString(s) > precision {
			return nil, castError(v, t, fmt.Sprintf("length %d exceeds precision %d", utf8.RuneCountInString(s), precision))
		}
		return s, nil
	case SmallInt:
		return toInt(v, t, math.MinInt16, math.MaxInt16)
	case Integer:
		return toInt(v, t, math.MinInt32, math.MaxInt32)
	case BigInt:
		return toInt(v, t, math.MinInt64, math.MaxInt64)
	case Boolean:
		return toBool(v)
	case Float, Double:
		return toFloat(v, t)
	case Decimal:
		return toDecimal(v, precision, scale)
	case Date:
		tm, err := toTime(v, t)
		if err != nil {
			return nil, err
		}
		return time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, tm.Location()), nil
	case Time:
		tm, err := toTime(v, t)
		if err != nil {
			return nil, err
		}
		return time.Date(0, 1, 1, tm.Hour(), tm.Minute(), tm.Second(), tm.Nanosecond(), tm.Location()), nil
	case Timestamp:
		return toTime(v, t)
	case Binary:
		return toBinary(v)
	case JSON:
		return toJSON(v)
	}
	// Unknown target: no conversion
	return v, nil
}

func toString(v any, t Type) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case decimal.Decimal:
		return x.String(), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	case map[string]any, []any:
		b, err := gojson.Marshal(x)
		if err != nil {
			return "", castError(v, t, err.Error())
		}
		return string(b), nil
	}
	return "", castError(v, t, "unsupported source type")
}

func toInt(v any, t Type, min, max int64) (any, error) {
	var i int64
	switch x := v.(type) {
	case int64:
		i = x
	case int:
		i = int64(x)
	case int8:
		i = int64(x)
	case int16:
		i = int64(x)
	case int32:
		i = int64(x)
	case uint8:
		i = int64(x)
	case uint16:
		i = int64(x)
	case uint32:
		i = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, castError(v, t, "out of range")
		}
		i = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return nil, castError(v, t, "out of range")
		}
		i = int64(x)
	case float32:
		return toInt(float64(x), t, min, max)
	case float64:
		if x != math.Trunc(x) {
			return nil, castError(v, t, "not an integral value")
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
		if x < -twoPow63 || x >= twoPow63 {
			return nil, castError(v, t, "out of range")
		}
		i = int64(x)
	case bool:
		if x {
			i = 1
		}
	case decimal.Decimal:
		if !x.Equal(x.Truncate(0)) {
			return nil, castError(v, t, "not an integral value")
		}
		if x.LessThan(minInt64) || x.GreaterThan(maxInt64) {
			return nil, castError(v, t, "out of range")
		}
		i = x.IntPart()
	case []byte:
		return toInt(string(x), t, min, max)
	case string:
		s := strings.TrimSpace(x)
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// "12.0" is integral
			d, derr := decimal.NewFromString(s)
			if derr != nil {
				return nil, castError(v, t, "not a number")
			}
			return toInt(d, t, min, max)
		}
		i = parsed
	default:
		return nil, castError(v, t, "unsupported source type")
	}
	if i < min || i > max {
		return nil, castError(v, t, "out of range")
	}
	return i, nil
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		i, err := toInt(x, BigInt, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		switch i.(int64) {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
	case []byte:
		return toBool(string(x))
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1", "on":
			return true, nil
		case "false", "f", "no", "n", "0", "off":
			return false, nil
		}
	}
	return nil, castError(v, Boolean, "not a boolean")
}

func toFloat(v any, t Type) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		i, err := toInt(x, BigInt, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		return float64(i.(int64)), nil
	case decimal.Decimal:
		f, _ := x.Float64()
		return f, nil
	case []byte:
		return toFloat(string(x), t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, castError(v, t, "not a number")
		}
		return f, nil
	}
	return nil, castError(v, t, "unsupported source type")
}

func toDecimal(v any, precision, scale int) (any, error) {
	var d decimal.Decimal
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case float64:
		d = decimal.NewFromFloat(x)
	case float32:
		d = decimal.NewFromFloat(float64(x))
	case int:
		d = decimal.New(int64(x), 0)
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		i, err := toInt(x, BigInt, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		d = decimal.New(i.(int64), 0)
	case []byte:
		return toDecimal(string(x), precision, scale)
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return nil, castError(v, Decimal, "not a number")
		}
		d = parsed
	default:
		return nil, castError(v, Decimal, "unsupported source type")
	}
	if precision <= 0 {
		return d, nil
	}
	if scale < 0 {
		scale = 0
	}
	rounded := d.Round(int32(scale))
	integral := rounded.Truncate(0).Abs().String()
	digits := len(integral)
	if integral == "0" {
		digits = 0
	}
	if digits > precision-scale {
		return nil, castError(v, Decimal, fmt.Sprintf("does not fit in decimal(%d,%d)", precision, scale))
	}
	return rounded, nil
}

func toTime(v any, t Type) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case []byte:
		return toTime(string(x), t)
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if tm, err := time.Parse(layout, s); err == nil {
				return tm, nil
			}
		}
		if tm, err := time.Parse("15:04:05.999999999", s); err == nil && t == Time {
			return tm, nil
		}
		return time.Time{}, castError(v, t, "unrecognized time layout")
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case int:
		return time.UnixMilli(int64(x)).UTC(), nil
	}
	return time.Time{}, castError(v, t, "unsupported source type")
}

func toBinary(v any) (any, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if strings.HasPrefix(x, "base64:") {
			b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(x, "base64:"))
			if err != nil {
				return nil, castError(v, Binary, err.Error())
			}
			return b, nil
		}
		return []byte(x), nil
	}
	return nil, castError(v, Binary, "unsupported source type")
}

func toJSON(v any) (any, error) {
	switch x := v.(type) {
	case string:
		if !gojson.Valid([]byte(x)) {
			return nil, castError(v, JSON, "invalid json document")
		}
		return x, nil
	case []byte:
		return toJSON(string(x))
	}
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, castError(v, JSON, err.Error())
	}
	return string(b), nil
}
