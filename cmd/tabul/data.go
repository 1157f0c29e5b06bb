package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/flow/steps"
	"github.com/tabulify/tabulify/pkg/tabular"
	"github.com/tabulify/tabulify/pkg/transfer"
)

// selectAll resolves every selector; a selector matching nothing is an
// error when strict
func selectAll(ctx context.Context, s *tabular.Session, selectors []string, strict bool) ([]*connection.DataPath, error) {
	var out []*connection.DataPath
	for _, selector := range selectors {
		selected, err := s.Select(ctx, selector)
		if err != nil {
			return nil, err
		}
		if len(selected) == 0 && strict {
			return nil, fmt.Errorf("data selector %s selects no resource", selector)
		}
		out = append(out, selected...)
	}
	return out, nil
}

func newDataCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "List, print and destroy resources addressed by data selectors",
		Long: `A data selector is a path or a glob, optionally followed by @connection:

  users@dwh          the users table of the dwh connection
  raw/*.csv@cd       the csv files of the raw directory
  **/*.json          every json file under the default connection`,
	}

	var strict bool
	cmd.PersistentFlags().BoolVar(&strict, "strict", false, "Fail when a selector matches nothing")

	cmd.AddCommand(&cobra.Command{
		Use:   "list <selector>...",
		Short: "List the selected resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			paths, err := selectAll(cmd.Context(), s, args, strict)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(paths))
			for _, dp := range paths {
				rows = append(rows, []string{dp.ID(), dp.LogicalName(), dp.MediaType().String(), dp.Kind().String()})
			}
			printTable(cmd.OutOrStdout(), []string{"data uri", "logical name", "media type", "kind"}, rows)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <selector>...",
		Short: "Show the columns of the selected resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			paths, err := selectAll(cmd.Context(), s, args, strict)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, dp := range paths {
				rel, err := dp.RelationDef(cmd.Context())
				if err != nil {
					return err
				}
				pk := make(map[string]bool)
				for _, name := range rel.PrimaryKey() {
					pk[name] = true
				}
				var rows [][]string
				for _, col := range rel.Columns() {
					rows = append(rows, []string{
						strconv.Itoa(col.Position),
						col.Name,
						col.Type.String(),
						strconv.Itoa(col.Precision),
						strconv.Itoa(col.Scale),
						strconv.FormatBool(col.Nullable),
						strconv.FormatBool(pk[col.Name]),
					})
				}
				fmt.Fprintln(out, dp.ID())
				printTable(out, []string{"#", "name", "type", "precision", "scale", "nullable", "primary"}, rows)
			}
			return nil
		},
	})

	var limit int
	var format string
	printCmd := &cobra.Command{
		Use:   "print <selector>...",
		Short: "Print the rows of the selected resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format = strings.ToLower(format)
			if format != steps.PrintTable && format != steps.PrintJSON {
				return fmt.Errorf("format must be %s or %s", steps.PrintTable, steps.PrintJSON)
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			paths, err := selectAll(cmd.Context(), s, args, strict)
			if err != nil {
				return err
			}
			for _, dp := range paths {
				if err := steps.PrintDataPath(cmd.Context(), cmd.OutOrStdout(), dp, format, limit); err != nil {
					return err
				}
			}
			return nil
		},
	}
	printCmd.Flags().IntVarP(&limit, "limit", "l", steps.DefaultPrintLimit, "Maximum rows printed per resource, 0 for all")
	printCmd.Flags().StringVarP(&format, "format", "f", steps.PrintTable, "Output format (table, json)")
	cmd.AddCommand(printCmd)

	destroy := func(use, short, verb string, fn func(*transfer.Manager, context.Context, []*connection.DataPath) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <selector>...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := a.open()
				if err != nil {
					return err
				}
				paths, err := selectAll(cmd.Context(), s, args, strict)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to "+use)
					return nil
				}
				if err := fn(transfer.NewManager(), cmd.Context(), paths); err != nil {
					return err
				}
				for _, dp := range paths {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", dp.ID(), verb)
				}
				return nil
			},
		}
	}
	cmd.AddCommand(
		destroy("drop", "Drop the selected resources, children before parents", "dropped", (*transfer.Manager).DropAll),
		destroy("truncate", "Delete the rows of the selected resources", "truncated", (*transfer.Manager).TruncateAll),
	)
	return cmd
}

func newTransferCommand(a *app) *cobra.Command {
	var (
		operation         string
		batchSize         int
		feedbackFrequency int
		granularity       string
		noCreate          bool
		mapping           map[string]string
	)
	cmd := &cobra.Command{
		Use:   "transfer <source-selector> <target-uri>",
		Short: "Copy the selected resources to a target",
		Long: `Copy every resource selected by source-selector to the target data URI.
The target may use the ${path}, ${name}, ${logicalName} and ${connection}
variables of each source; a target directory receives one file per source.`,
		Example: `  tabul transfer "raw/*.csv@cd" '${logicalName}@dwh' --operation upsert
  tabul transfer users@dwh out/@cd`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			transferArgs := map[string]any{
				"targetDataUri": args[1],
				"operation":     operation,
				"granularity":   granularity,
				"createTarget":  !noCreate,
				"output":        "results",
			}
			if batchSize > 0 {
				transferArgs["batchSize"] = batchSize
			}
			if feedbackFrequency > 0 {
				transferArgs["feedbackFrequency"] = feedbackFrequency
			}
			if len(mapping) > 0 {
				m := make(map[string]any, len(mapping))
				for k, v := range mapping {
					m[k] = v
				}
				transferArgs["mapping"] = m
			}

			p := s.Pipeline("transfer")
			if err := p.AddStep("source", "select", map[string]any{"dataSelector": args[0]}); err != nil {
				return err
			}
			if err := p.AddStep("transfer", "transfer", transferArgs); err != nil {
				return err
			}
			if err := p.AddStep("report", "print", map[string]any{"limit": 0}); err != nil {
				return err
			}
			_, err = s.Run(cmd.Context(), p)
			return err
		},
	}
	cmd.Flags().StringVarP(&operation, "operation", "o", string(transfer.OperationInsert), "Transfer operation (insert, upsert, replace)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Rows per insert batch (default from the configuration)")
	cmd.Flags().IntVar(&feedbackFrequency, "feedback-frequency", 0, "Log progress every N batches (default from the configuration)")
	cmd.Flags().StringVar(&granularity, "granularity", "resource", "Commit unit (resource, record)")
	cmd.Flags().BoolVar(&noCreate, "no-create", false, "Fail when a target does not exist")
	cmd.Flags().StringToStringVarP(&mapping, "mapping", "m", nil, "Source column to target column (repeatable)")
	return cmd
}
