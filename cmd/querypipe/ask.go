package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/logging"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/querypipe/internal/server"
)

func newAskCmd() *cobra.Command {
	var (
		budget   time.Duration
		traceID  string
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Run one query and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := server.New(cmd.Context(), cfg, server.Deps{Logger: logger})
			if err != nil {
				return err
			}
			defer svc.Close()

			opts := pipeline.RunOptions{TraceID: traceID, Budget: budget}
			if progress {
				errOut := cmd.ErrOrStderr()
				opts.Sink = pipeline.ProgressFunc(func(e pipeline.ProgressEvent) {
					if e.Stage != pipeline.PipelineStage {
						fmt.Fprintf(errOut, "%-16s %s\n", e.Stage, e.Status)
					}
				})
			}

			res := svc.RunPipeline(cmd.Context(), strings.Join(args, " "), opts)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res.Public()); err != nil {
				return err
			}
			if !res.Success {
				return errors.New("query failed: " + string(res.PipelineHealth))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 0, "shorten the configured global budget")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace id to use instead of a generated one")
	cmd.Flags().BoolVar(&progress, "progress", false, "print stage progress to stderr")
	return cmd
}
