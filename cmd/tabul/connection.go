package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/glob"
)

func newProviderCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Inspect connector providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the connector providers and the URI schemes they accept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, p := range s.Providers().Providers() {
				schemes := ""
				if sp, ok := p.(*connection.SchemeProvider); ok {
					schemes = strings.Join(sp.Schemes, ", ")
				}
				rows = append(rows, []string{p.Name(), schemes})
			}
			printTable(cmd.OutOrStdout(), []string{"provider", "schemes"}, rows)
			return nil
		},
	})
	return cmd
}

func newVaultCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "vault",
		Aliases: []string{"connection"},
		Short:   "Manage the connection vault",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [pattern...]",
		Short: "List the connections matching the glob patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			var rows [][]string
			for _, def := range s.Definitions() {
				if len(args) > 0 {
					ok, err := glob.MatchAny(def.Name, args...)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}
				origin := "vault"
				if _, ok := def.Attributes.Get("builtin"); ok {
					origin = "builtin"
				}
				var attrs []string
				for _, attr := range def.Attributes.All() {
					if attr.Origin != connection.OriginInternal {
						attrs = append(attrs, attr.Name)
					}
				}
				sort.Strings(attrs)
				rows = append(rows, []string{def.Name, def.URI, origin, strings.Join(attrs, ", ")})
			}
			printTable(cmd.OutOrStdout(), []string{"name", "uri", "origin", "attributes"}, rows)
			return nil
		},
	})

	var attributes map[string]string
	addCmd := &cobra.Command{
		Use:   "add <name> <uri>",
		Short: "Add a connection to the vault",
		Example: `  tabul vault add dwh "postgres://etl@localhost:5432/dwh" -a password=secret
  tabul vault add lake s3://lake/raw -a region=eu-west-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			def := connection.NewDefinition(args[0], args[1])
			for k, v := range attributes {
				def.Attributes.Set(k, v, connection.OriginManifest)
			}
			if _, err := s.Providers().Provider(def.URI); err != nil {
				return err
			}
			v := s.Vault()
			if err := v.Add(def); err != nil {
				return err
			}
			if err := v.Flush(); err != nil {
				return err
			}
			a.log.Info("connection added", zap.String("connection", def.Name), zap.String("vault", v.Path()))
			fmt.Fprintf(cmd.OutOrStdout(), "connection %s added\n", def.Name)
			return nil
		},
	}
	addCmd.Flags().StringToStringVarP(&attributes, "attribute", "a", nil, "Connection attribute as key=value (repeatable)")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <pattern>...",
		Short: "Remove the vault connections matching the glob patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			v := s.Vault()
			removed, err := v.Remove(args...)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				return fmt.Errorf("no vault connection matches %s", strings.Join(args, ", "))
			}
			if err := v.Flush(); err != nil {
				return err
			}
			for _, def := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "connection %s removed\n", def.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "ping <name>",
		Short: "Open a connection and check that its backend answers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			conn, err := s.Connection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if d := a.cfg.Timeouts.Ping; d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			if !conn.Ping(ctx) {
				return fmt.Errorf("connection %s does not answer", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connection %s is reachable\n", args[0])
			return nil
		},
	})
	return cmd
}
