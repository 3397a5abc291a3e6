package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect pipeline configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			pc, err := cfg.PipelineConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK (%d stages, budget %s)\n", args[0], len(pc.Stages), pc.GlobalBudget)
			for _, s := range pc.Stages {
				req := ""
				if s.Required {
					req = " required"
				}
				agents := make([]string, len(s.Agents))
				for i, a := range s.Agents {
					agents[i] = string(a)
				}
				fmt.Fprintf(out, "  %-16s %-10s %s%s\n", s.Name, s.Mode, strings.Join(agents, ","), req)
			}
			return nil
		},
	})
	return cmd
}

// loadConfig reads the --config flag shared by every command.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	return cfg, path, err
}
