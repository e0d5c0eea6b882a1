package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conneroisu/strata/internal/version"
)

var (
	versionFormat string
	versionShort  bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long: `Display version information for strata: the version, git commit,
build time, Go version and target platform.

Examples:
  strata version               # Show version details
  strata version --short       # Show the short version only
  strata version -f json       # Output as JSON`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)

	addFormatFlag(versionCmd, &versionFormat, "text", FormatJSON, FormatYAML)
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Show short version only")
}

func runVersion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch {
	case versionShort:
		fmt.Fprintln(out, version.Short())
		return nil
	case versionFormat == "text":
		fmt.Fprintln(out, version.Get().String())
		return nil
	default:
		return writeStructured(out, versionFormat, version.Get())
	}
}
