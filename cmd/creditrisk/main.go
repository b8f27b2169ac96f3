package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	serverURL string
	format    string
	verbose   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "creditrisk",
	Short: "Credit risk model resolution and scoring CLI",
	Long: `creditrisk resolves and runs the credit risk model the way the scoring
service does, and talks to a running service.

Local commands (resolve, score, evaluate) read the same configuration as
scoring-api: configs/creditrisk.yaml plus environment overrides such as
MLFLOW_TRACKING_URI and LOCAL_MODEL_PATH. Remote commands (model-info,
reload, and score --server) use the service's HTTP API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/creditrisk.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "scoring service base URL (e.g. http://localhost:8000)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log model resolution to stderr")

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(modelInfoCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the creditrisk CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("creditrisk %s\n", version)
	},
}
