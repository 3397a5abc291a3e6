// querypipe answers natural-language questions by running a staged pipeline
// of retrieval, enrichment, fact-check, synthesis and citation agents.
//
// Usage:
//
//	querypipe serve --config pipeline.yaml
//	querypipe ask --config pipeline.yaml "What is the capital of France?"
//	querypipe config validate pipeline.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "querypipe",
		Short:         "Multi-stage query pipeline with graceful degradation",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "path to pipeline.yaml (QUERYPIPE_* env vars override it)")
	root.AddCommand(newServeCmd(), newAskCmd(), newConfigCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
