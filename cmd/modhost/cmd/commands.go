package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/health"
)

var (
	errUnknownFormat = errors.New("unknown output format")
	errUnhealthy     = errors.New("one or more modules are unhealthy")
)

const (
	formatTable   = "table"
	formatJSON    = "json"
	formatDOT     = "dot"
	formatMermaid = "mermaid"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadOnly builds a host and loads its modules without starting them.
func loadOnly(cmd *cobra.Command, opts *rootOptions) (*modhost.Host, *modhost.LoadResult, error) {
	host, err := opts.newHost(cmd)
	if err != nil {
		return nil, nil, err
	}
	result := host.Loader().Load(cmd.Context())
	if !result.Success {
		return nil, result, result.Err
	}
	return host, result, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the modules that would be loaded, in load order",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _, err := loadOnly(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = host.Loader().UnloadAll(context.Background(), 0) }()

			type row struct {
				Name         string `json:"name"`
				Version      string `json:"version"`
				State        string `json:"state"`
				Source       string `json:"source"`
				Dependencies string `json:"dependencies,omitempty"`
			}
			var rows []row
			for _, m := range host.List() {
				rec, _ := host.Loader().Record(m.Name())
				source := rec.SourcePath
				if source == "" {
					source = "host"
				}
				rows = append(rows, row{
					Name:         m.Name(),
					Version:      m.Version(),
					State:        host.Lifecycle().State(m.Name()).String(),
					Source:       source,
					Dependencies: dependencySummary(m),
				})
			}

			switch format {
			case formatJSON:
				return writeJSON(cmd.OutOrStdout(), rows)
			case formatTable:
				cells := make([][]string, len(rows))
				for i, r := range rows {
					cells[i] = []string{r.Name, r.Version, r.State, r.Source, r.Dependencies}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"NAME", "VERSION", "STATE", "SOURCE", "DEPENDENCIES"}, cells))
				return nil
			default:
				return fmt.Errorf("%w: %s", errUnknownFormat, format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table or json")
	return cmd
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the discovered modules form a loadable set",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, result, err := loadOnly(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = host.Loader().UnloadAll(context.Background(), 0) }()

			out := cmd.OutOrStdout()
			compat := modhost.ValidateCompatibility(host.List())
			for _, w := range compat.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w.Message)
			}
			for _, s := range result.Skipped {
				fmt.Fprintf(out, "skipped: %s\n", s)
			}
			fmt.Fprintf(out, "%d modules compatible, load order: %s\n",
				len(result.OrderedModules), strings.Join(result.OrderedModules, ", "))
			return nil
		},
	}
}

func newHealthCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Load and start the modules and report their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := opts.newHost(cmd)
			if err != nil {
				return err
			}
			if err := host.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = host.Stop(context.Background()) }()

			report := host.CheckHealth(cmd.Context())
			switch format {
			case formatJSON:
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			case formatTable:
				rows := make([][]string, 0, len(report.Modules))
				for _, m := range report.Modules {
					issues := make([]string, 0, len(m.Issues))
					for _, i := range m.Issues {
						issues = append(issues, fmt.Sprintf("%s: %s", i.Check, i.Message))
					}
					rows = append(rows, []string{m.Module, statusStyle(m.Status).Render(m.Status.String()), strings.Join(issues, "; ")})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, renderTable([]string{"MODULE", "STATUS", "ISSUES"}, rows))
				fmt.Fprintf(out, "overall: %s (%d healthy, %d degraded, %d unhealthy)\n",
					statusStyle(report.Overall).Render(report.Overall.String()), report.Healthy, report.Degraded, report.Unhealthy)
			default:
				return fmt.Errorf("%w: %s", errUnknownFormat, format)
			}
			if report.Overall == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "Output format: table or json")
	return cmd
}

func newDiagnoseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <module>",
		Short: "Show state, health, memory and dependencies of one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := opts.newHost(cmd)
			if err != nil {
				return err
			}
			if err := host.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = host.Stop(context.Background()) }()

			d, err := host.Diagnostics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), d)
		},
	}
}

func newGraphCommand(opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the module dependency graph",
		Long: `Export the dependency graph of the loadable modules.

Formats:
  dot      Graphviz DOT, render with: modhost graph | dot -Tsvg > graph.svg
  mermaid  Mermaid flowchart for Markdown documents
  json     nodes, edges and load order`,
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _, err := loadOnly(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = host.Loader().UnloadAll(context.Background(), 0) }()

			g := host.Graph()
			out := cmd.OutOrStdout()
			switch format {
			case formatDOT:
				fmt.Fprint(out, g.DOT())
			case formatMermaid:
				fmt.Fprint(out, g.Mermaid())
			case formatJSON:
				return writeJSON(out, g)
			default:
				return fmt.Errorf("%w: %s", errUnknownFormat, format)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", formatDOT, "Output format: dot, mermaid or json")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the modules and reload them when their manifests change",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := opts.newHost(cmd, func(cfg *modhost.Config) { cfg.Watch.Enabled = true })
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := host.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return host.Stop(context.Background())
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Describe the configuration keys and their environment variables",
		Run: func(cmd *cobra.Command, args []string) {
			fields := modhost.DescribeConfig()
			rows := make([][]string, len(fields))
			for i, f := range fields {
				rows[i] = []string{f.Key, f.Env, f.Default, f.Description}
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"KEY", "ENV", "DEFAULT", "DESCRIPTION"}, rows))
		},
	}
}
