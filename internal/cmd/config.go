package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adamancini/buildtest/internal/output"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Config prints the configuration buildtest would use, after merging the
config file (if any) over the built-in defaults.

The file is looked up in order: --config, $BUILDTEST_CONFIG, next to the
executable, then $XDG_CONFIG_HOME/buildtest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
}

func runConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	writer, err := newWriter()
	if err != nil {
		return err
	}
	if writer.Format() != output.FormatText {
		return writer.Write(cfg.ToFile())
	}

	source := cfg.Path
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("# source: %s\n", source)

	data, err := yaml.Marshal(cfg.ToFile())
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
