package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/okuno-dsi/revit-mcp-bridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List recognized environment variables",
	RunE:  runConfigEnv,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEnvCmd)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	// Secrets carry a yaml:"-" tag and never print.
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, _ = os.Stdout.Write(out)
	return nil
}

func runConfigEnv(cmd *cobra.Command, _ []string) error {
	bindings := config.EnvBindings()

	keys := make([]string, 0, len(bindings))
	for key := range bindings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "CONFIG KEY\tENVIRONMENT VARIABLE")
	for _, key := range keys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", key, bindings[key])
	}
	return nil
}
