package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamancini/buildtest/internal/appversion"
	"github.com/adamancini/buildtest/internal/install"
	"github.com/adamancini/buildtest/internal/output"
)

var (
	buildCommit = "none"
	buildDate   = "unknown"
)

type versionInfo struct {
	Version    string `json:"version" yaml:"version"`
	Commit     string `json:"commit" yaml:"commit"`
	Date       string `json:"date" yaml:"date"`
	Installed  string `json:"installed" yaml:"installed"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
	Comparison string `json:"comparison,omitempty" yaml:"comparison,omitempty"`
}

func (v versionInfo) String() string {
	s := fmt.Sprintf("buildtest version %s (commit %s, built %s)\n", v.Version, v.Commit, v.Date)
	s += fmt.Sprintf("Installed application version: %s", v.Installed)
	if v.Target != "" {
		s += fmt.Sprintf(" (%s)", v.Target)
	}
	if v.Comparison != "" {
		s += "\n" + v.Comparison
	}
	return s
}

func newVersionCmd() *cobra.Command {
	var compare string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the buildtest version and the application version recorded in
version.txt next to the installed executable.

Examples:
  buildtest version                  # Show versions
  buildtest version --compare 1.2.0  # Compare the installed version with 1.2.0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(compare)
		},
	}

	cmd.Flags().StringVar(&compare, "compare", "", "Compare the installed version with this version")

	return cmd
}

func runVersion(compare string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	info := versionInfo{
		Version:   buildVersion,
		Commit:    buildCommit,
		Date:      buildDate,
		Installed: appversion.Fallback,
	}
	if target, err := install.DiscoverTarget(cfg.Executable); err == nil {
		info.Target = target.Executable
		info.Installed = appversion.Installed(target.Executable)
	}

	if compare != "" {
		cmp, err := appversion.Compare(compare, info.Installed)
		if err != nil {
			return err
		}
		switch {
		case cmp > 0:
			info.Comparison = fmt.Sprintf("Version %s is newer than the installed version", compare)
		case cmp < 0:
			info.Comparison = fmt.Sprintf("Version %s is older than the installed version", compare)
		default:
			info.Comparison = "Already running " + compare
		}
	}

	writer, err := newWriter()
	if err != nil {
		return err
	}
	if writer.Format() == output.FormatText {
		fmt.Println(info.String())
		return nil
	}
	return writer.Write(info)
}
