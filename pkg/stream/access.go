package stream

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/types"
)

// ValueByName returns the value of the named column in the current row. An
// absent column is an ErrorTypeNotFound error; a null value is (nil, nil).
func ValueByName(s SelectStream, name string) (any, error) {
	col, ok := s.RelationDef().Column(name)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "column %q not found", name)
	}
	return s.Value(col.Position)
}

// ValueOf returns the value of a column, resolved by name so a ColumnDef of
// another relation (a transfer target) can be used
func ValueOf(s SelectStream, col *relation.ColumnDef) (any, error) {
	return ValueByName(s, col.Name)
}

func typed(s SelectStream, position int, t types.Type) (any, bool, error) {
	v, err := s.Value(position)
	if err != nil || v == nil {
		return nil, false, err
	}
	cast, err := types.Cast(v, t)
	if err != nil {
		return nil, false, errors.Wrapf(err, errors.ErrorTypeCast, "column %d", position)
	}
	return cast, true, nil
}

// String reads a column as a string. ok is false for null.
func String(s SelectStream, position int) (v string, ok bool, err error) {
	raw, ok, err := typed(s, position, types.Varchar)
	if !ok {
		return "", false, err
	}
	return raw.(string), true, nil
}

// Int64 reads a column as an int64. ok is false for null.
func Int64(s SelectStream, position int) (v int64, ok bool, err error) {
	raw, ok, err := typed(s, position, types.BigInt)
	if !ok {
		return 0, false, err
	}
	return raw.(int64), true, nil
}

// Float64 reads a column as a float64. ok is false for null.
func Float64(s SelectStream, position int) (v float64, ok bool, err error) {
	raw, ok, err := typed(s, position, types.Double)
	if !ok {
		return 0, false, err
	}
	return raw.(float64), true, nil
}

// Bool reads a column as a bool. ok is false for null.
func Bool(s SelectStream, position int) (v bool, ok bool, err error) {
	raw, ok, err := typed(s, position, types.Boolean)
	if !ok {
		return false, false, err
	}
	return raw.(bool), true, nil
}

// Time reads a column as a timestamp. ok is false for null.
func Time(s SelectStream, position int) (v time.Time, ok bool, err error) {
	raw, ok, err := typed(s, position, types.Timestamp)
	if !ok {
		return time.Time{}, false, err
	}
	return raw.(time.Time), true, nil
}

// Decimal reads a column as a decimal. ok is false for null.
func Decimal(s SelectStream, position int) (v decimal.Decimal, ok bool, err error) {
	raw, ok, err := typed(s, position, types.Decimal)
	if !ok {
		return decimal.Decimal{}, false, err
	}
	return raw.(decimal.Decimal), true, nil
}

// Collect drains a stream into memory and closes it
func Collect(ctx context.Context, s SelectStream) (rows [][]any, err error) {
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for {
		ok, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		row, err := s.Values()
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}
