package steps

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	tabjson "github.com/tabulify/tabulify/pkg/json"
	"github.com/tabulify/tabulify/pkg/types"
)

// Print formats
const (
	PrintTable = "table"
	PrintJSON  = "json"
)

// DefaultPrintLimit bounds the rows printed per resource
const DefaultPrintLimit = 100

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
)

// Print writes the rows of each resource to the session output, as a table
// or as JSON lines. The resources pass through unchanged.
func Print() flow.StepProvider {
	return &provider{
		operations: []string{"print"},
		arguments: []flow.Argument{
			{Name: "limit", Kind: flow.KindInt, Description: "maximum rows printed per resource, 0 for all"},
			{Name: "format", Kind: flow.KindString, Description: "table or json"},
		},
		validate: func(op string, args flow.Arguments) error {
			switch strings.ToLower(args.String("format", PrintTable)) {
			case PrintTable, PrintJSON:
			default:
				return errors.Newf(errors.ErrorTypeValidation, "print format must be %s or %s", PrintTable, PrintJSON)
			}
			limit, err := args.Int("limit", DefaultPrintLimit)
			if err == nil && limit < 0 {
				err = errors.Newf(errors.ErrorTypeValidation, "limit cannot be negative, got %d", limit)
			}
			return err
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			limit, err := args.Int("limit", DefaultPrintLimit)
			if err != nil {
				return nil, err
			}
			return &printRunnable{limit: limit, format: strings.ToLower(args.String("format", PrintTable))}, nil
		},
	}
}

type printRunnable struct {
	inputs
	limit  int
	format string
}

func (r *printRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	for _, dp := range r.paths {
		if err := PrintDataPath(ctx, s.Out(), dp, r.format, r.limit); err != nil {
			return nil, err
		}
	}
	return r.paths, nil
}

// PrintDataPath writes up to limit rows of a resource to w
func PrintDataPath(ctx context.Context, w io.Writer, dp *connection.DataPath, format string, limit int) (err error) {
	sel, err := dp.Select(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sel.Close(); err == nil {
			err = closeErr
		}
	}()

	names := sel.RelationDef().Names()
	enc := tabjson.NewObjectEncoder(names, appendJSONValue)
	var rows [][]string
	more := false
	for {
		ok, err := sel.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if limit > 0 && len(rows) == limit {
			more = true
			break
		}
		values, err := sel.Values()
		if err != nil {
			return err
		}
		if format == PrintJSON {
			if err := enc.Write(w, values, "\n"); err != nil {
				return err
			}
			rows = append(rows, nil)
			continue
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = cell(v)
		}
		rows = append(rows, row)
	}
	if format == PrintJSON {
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(names...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	footer := fmt.Sprintf("%d row(s)", len(rows))
	if more {
		footer = fmt.Sprintf("first %d row(s)", len(rows))
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", titleStyle.Render(dp.ID()), t.Render(), mutedStyle.Render(footer))
	return err
}

func cell(v any) string {
	if v == nil {
		return ""
	}
	s, err := types.Cast(v, types.Text)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s.(string)
}

func appendJSONValue(buf *bytes.Buffer, v any) error {
	return tabjson.AppendValue(buf, jsonValue(v))
}

func jsonValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int64, float64:
		return v
	}
	return cell(v)
}
