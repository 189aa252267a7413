package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/embhttp/embhttp/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "embhttpd",
	Short:   "Standalone daemon for the embhttp server engine",
	Long: `Embhttpd runs the embhttp engine as a standalone daemon serving a
small demonstration API. It exercises the engine the way an embedding
application would: pick a scheduling mode, bound the parser, and put it
in front of real clients.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFiles, _ := cmd.Flags().GetStringArray("config")
		cfg, err := config.Load(configFiles, cmd.Flags())
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)
		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringArray("config", nil, "config file path, repeatable; later files override earlier ones (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (env: EMBHTTP_LOG_LEVEL)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
