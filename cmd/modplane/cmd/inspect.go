package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modplane/config"
	"github.com/GoCodeAlone/modplane/dependency"
	"github.com/GoCodeAlone/modplane/discovery"
)

// graph is the offline dependency view of a configuration: declared
// modules plus discovered plugins, none of them running.
type graph struct {
	deps    *dependency.Manager
	modules []config.ModuleConfig
	invalid []string
}

func buildGraph(ctx context.Context, cfg config.Config) (*graph, error) {
	g := &graph{deps: dependency.NewManager(nil), modules: cfg.Modules}
	if cfg.Discovery.Enabled {
		declared := make(map[string]bool, len(cfg.Modules))
		for _, m := range cfg.Modules {
			declared[m.ID] = true
		}
		manifests, err := discovery.Scan(ctx, cfg.Discovery.Dir,
			discovery.WithConcurrency(cfg.Discovery.Concurrency),
			discovery.WithInvalidHandler(func(path string, err error) {
				g.invalid = append(g.invalid, fmt.Sprintf("%s: %v", path, err))
			}))
		if err != nil {
			return nil, err
		}
		for _, mf := range manifests {
			if !declared[mf.Module.ID] {
				g.modules = append(g.modules, mf.Module)
			}
		}
	}
	for _, m := range g.modules {
		deps, err := m.Deps()
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ID, err)
		}
		if err := g.deps.Register(m.ID, m.Version, deps); err != nil {
			return nil, err
		}
		if err := g.deps.SetEnabled(m.ID, m.IsEnabled()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func loadGraph(cmd *cobra.Command) (config.Config, *graph, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, err
	}
	g, err := buildGraph(cmd.Context(), cfg)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, g, nil
}

// NewValidateCommand creates the command that checks a configuration
// without starting anything.
func NewValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the module dependency graph",
		Long: `Validate loads the configuration, scans the plugin directory when
discovery is enabled and checks that the enabled modules have no dependency
cycle, no missing required dependency and no version mismatch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, g, err := loadGraph(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, msg := range g.invalid {
				fmt.Fprintf(out, "invalid manifest %s\n", msg)
			}
			if _, err := g.deps.ResolveLoadOrder(); err != nil {
				return err
			}
			problems := 0
			for _, m := range g.modules {
				if !m.IsEnabled() {
					continue
				}
				ok, reasons := g.deps.CanLoad(m.ID)
				if ok {
					continue
				}
				for _, r := range reasons {
					fmt.Fprintf(out, "%s: %s\n", m.ID, r)
					problems++
				}
			}
			if problems > 0 {
				return fmt.Errorf("%d dependency problems", problems)
			}
			fmt.Fprintf(out, "configuration OK: %d modules, %d services\n", len(g.modules), len(cfg.Services))
			return nil
		},
	}
}

// NewOrderCommand creates the command that prints the load order.
func NewOrderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the module load order grouped into levels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, g, err := loadGraph(cmd)
			if err != nil {
				return err
			}
			order, err := g.deps.ResolveLoadOrder()
			if err != nil {
				return err
			}
			levels := g.deps.Levels(order)
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"order": order, "levels": levels})
			}
			for i, level := range levels {
				fmt.Fprintf(cmd.OutOrStdout(), "level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

// NewPlanCommand creates the command that reports which modules could load.
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [module...]",
		Short: "Show which modules can load and why the others cannot",
		Long: `Plan expands the given modules, or every enabled module, to their
dependency closure and splits it into loadable and blocked modules.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := loadGraph(cmd)
			if err != nil {
				return err
			}
			targets := args
			if len(targets) == 0 {
				for _, m := range g.modules {
					if m.IsEnabled() {
						targets = append(targets, m.ID)
					}
				}
			}
			plan, err := g.deps.LoadPlan(targets)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(out, plan)
			}
			fmt.Fprintf(out, "loadable: %s\n", strings.Join(plan.Loadable, ", "))
			for _, b := range plan.Blocked {
				fmt.Fprintf(out, "blocked: %s: %s\n", b.ID, strings.Join(b.Reasons, "; "))
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
