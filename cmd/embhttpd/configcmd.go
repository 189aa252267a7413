package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/embhttp/embhttp/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
	// Overrides the root hook: writing a fresh config file must work
	// even when the current one does not load.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file populated with the defaults",
	Long: `Render the built-in defaults as YAML and write them to the given
path (default: ./config.yaml). Refuses to overwrite an existing file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := "config.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	rendered, err := config.DefaultYAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, rendered, 0o644); err != nil {
		return err
	}

	cmd.Printf("wrote %s\n", path)
	return nil
}
